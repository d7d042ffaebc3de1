package preferences

import "github.com/kandev/runctl/internal/execution"

// disabledKinds answers "no confirmation" for kinds switched off in
// configuration and defers to the wrapped store for the rest.
type disabledKinds struct {
	execution.PreferenceStore
	off map[execution.ConfirmKind]bool
}

// WithDisabled wraps store so the given kinds are never asked.
func WithDisabled(store execution.PreferenceStore, kinds ...execution.ConfirmKind) execution.PreferenceStore {
	if len(kinds) == 0 {
		return store
	}
	off := make(map[execution.ConfirmKind]bool, len(kinds))
	for _, k := range kinds {
		off[k] = true
	}
	return disabledKinds{PreferenceStore: store, off: off}
}

func (d disabledKinds) RequiresConfirmation(kind execution.ConfirmKind) bool {
	if d.off[kind] {
		return false
	}
	return d.PreferenceStore.RequiresConfirmation(kind)
}
