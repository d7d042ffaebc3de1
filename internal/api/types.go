package api

import (
	"time"

	"github.com/kandev/runctl/internal/execution"
	"github.com/kandev/runctl/internal/process"
	"github.com/kandev/runctl/internal/profiles"
)

type StepResponse struct {
	Provider string            `json:"provider"`
	Ordinal  int               `json:"ordinal"`
	Options  map[string]string `json:"options,omitempty"`
}

type ConfigurationResponse struct {
	Name             string         `json:"name"`
	Command          string         `json:"command,omitempty"`
	Dir              string         `json:"dir,omitempty"`
	Singleton        bool           `json:"singleton"`
	EditBeforeRun    bool           `json:"edit_before_run"`
	IncompatibleWith []string       `json:"incompatible_with,omitempty"`
	BeforeRun        []StepResponse `json:"before_run"`
	Running          int            `json:"running"`
}

type ConfigurationsResponse struct {
	Configurations []ConfigurationResponse `json:"configurations"`
	Total          int                     `json:"total"`
}

// RunRequest is the body of POST /configurations/:name/run. Confirm answers
// any confirmation prompt up front; when absent the server policy decides.
type RunRequest struct {
	Mode    string `json:"mode"`
	Target  string `json:"target"`
	Confirm *bool  `json:"confirm"`
}

type SessionResponse struct {
	ID          string                `json:"id"`
	ExecutionID int64                 `json:"execution_id"`
	Name        string                `json:"name"`
	Mode        string                `json:"mode"`
	State       string                `json:"state"`
	PID         int                   `json:"pid,omitempty"`
	ExitCode    *int                  `json:"exit_code,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	Command     string                `json:"command,omitempty"`
	Output      []process.OutputChunk `json:"output,omitempty"`
	Stats       *process.Stats        `json:"stats,omitempty"`
}

type SessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

func configurationResponse(s *execution.ConfigSettings, running int) ConfigurationResponse {
	resp := ConfigurationResponse{
		Name:          s.Name,
		Singleton:     s.Singleton,
		EditBeforeRun: s.EditBeforeRun,
		BeforeRun:     make([]StepResponse, 0),
		Running:       running,
	}
	if p, ok := profiles.ProfileOf(s); ok {
		resp.Command = p.Command().Line
		resp.Dir = p.Command().Dir
		resp.IncompatibleWith = p.IncompatibleWith()
	}
	for _, step := range s.BeforeRunSteps() {
		resp.BeforeRun = append(resp.BeforeRun, StepResponse{Provider: step.ProviderID, Ordinal: step.Ordinal, Options: step.Options})
	}
	return resp
}

func sessionResponse(s *execution.Session, withOutput bool) SessionResponse {
	resp := SessionResponse{
		ID:          s.ID(),
		ExecutionID: s.ExecutionID(),
		Name:        s.Name(),
		Mode:        string(s.Mode()),
		State:       s.State().String(),
		CreatedAt:   s.CreatedAt(),
	}
	h := s.Handle()
	if h == nil {
		return resp
	}
	resp.PID = h.PID()
	if code, ok := h.ExitCode(); ok {
		resp.ExitCode = &code
	}
	if ph, ok := h.(*process.Handle); ok {
		resp.Command = ph.Command()
		if withOutput {
			resp.Output = ph.Output()
		}
	}
	return resp
}
