package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ConfirmKind identifies a confirmation prompt. Each kind has its own
// persisted "don't ask again" preference.
type ConfirmKind string

const (
	ConfirmRestartSingleton ConfirmKind = "restart-singleton"
	ConfirmStopIncompatible ConfirmKind = "stop-incompatible"
)

// ConfirmRequest asks whether running sessions may be stopped.
type ConfirmRequest struct {
	Kind    ConfirmKind
	Subject string
	Count   int
	Names   []string
}

// Message renders the question shown to the user.
func (r ConfirmRequest) Message() string {
	switch r.Kind {
	case ConfirmRestartSingleton:
		if r.Count > 1 {
			return fmt.Sprintf("Configuration '%s' does not allow parallel runs and %d instances are running. Stop them and rerun?", r.Subject, r.Count)
		}
		return fmt.Sprintf("Configuration '%s' does not allow parallel runs. Stop the running instance and rerun?", r.Subject)
	case ConfirmStopIncompatible:
		return fmt.Sprintf("Configuration '%s' cannot run while %s %s running. Stop %s?",
			r.Subject, quoteNames(r.Names), pluralVerb(len(r.Names)), pluralPronoun(len(r.Names)))
	}
	return fmt.Sprintf("Stop %d running session(s) of '%s'?", r.Count, r.Subject)
}

func quoteNames(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		if n == "" {
			n = "no name"
		}
		quoted[i] = "'" + n + "'"
	}
	return strings.Join(quoted, ", ")
}

func pluralVerb(n int) string {
	if n == 1 {
		return "is"
	}
	return "are"
}

func pluralPronoun(n int) string {
	if n == 1 {
		return "it"
	}
	return "them"
}

// ConfirmResult is the user's answer.
type ConfirmResult struct {
	Approved     bool
	DontAskAgain bool
}

// ConfirmationGate asks the user to approve stopping sessions.
type ConfirmationGate interface {
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
}

// ConfirmFunc adapts a function to ConfirmationGate.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)

func (f ConfirmFunc) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	return f(ctx, req)
}

// PreferenceStore persists whether each kind of confirmation is still asked.
type PreferenceStore interface {
	RequiresConfirmation(kind ConfirmKind) bool
	SetRequiresConfirmation(kind ConfirmKind, required bool) error
}

// MemoryPreferences is an in-process PreferenceStore. Every kind requires
// confirmation until told otherwise.
type MemoryPreferences struct {
	mu      sync.RWMutex
	skipped map[ConfirmKind]bool
}

func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{skipped: make(map[ConfirmKind]bool)}
}

func (p *MemoryPreferences) RequiresConfirmation(kind ConfirmKind) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.skipped[kind]
}

func (p *MemoryPreferences) SetRequiresConfirmation(kind ConfirmKind, required bool) error {
	p.mu.Lock()
	p.skipped[kind] = !required
	p.mu.Unlock()
	return nil
}

// approve runs req through the preference store and gate. The "don't ask
// again" choice is saved only when the user approves.
func (m *Manager) approve(ctx context.Context, gate ConfirmationGate, req ConfirmRequest) (bool, error) {
	if m.prefs != nil && !m.prefs.RequiresConfirmation(req.Kind) {
		return true, nil
	}
	if gate == nil {
		return true, nil
	}
	res, err := gate.Confirm(ctx, req)
	if err != nil {
		return false, fmt.Errorf("confirm %s: %w", req.Kind, err)
	}
	if res.Approved && res.DontAskAgain && m.prefs != nil {
		if err := m.prefs.SetRequiresConfirmation(req.Kind, false); err != nil {
			m.logger.WithError(err).Warn("failed to save confirmation preference")
		}
	}
	return res.Approved, nil
}
