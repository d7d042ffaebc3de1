package execution

import (
	"errors"
	"fmt"
)

var (
	ErrNoRunner          = errors.New("no runner can execute the configuration")
	ErrRestartDeclined   = errors.New("restart declined")
	ErrPipelineAborted   = errors.New("before-run pipeline aborted")
	ErrWorkspaceDisposed = errors.New("workspace disposed")
	ErrManagerDisposed   = errors.New("execution manager disposed")
)

// PipelineAbortError is delivered to onCancel when a before-run step
// rejects a launch or the workspace goes away mid-pipeline.
type PipelineAbortError struct {
	ProviderID string
	Err        error
}

func (e *PipelineAbortError) Error() string {
	if e.ProviderID == "" {
		return fmt.Sprintf("before-run pipeline aborted: %v", e.Err)
	}
	return fmt.Sprintf("before-run step %q aborted launch: %v", e.ProviderID, e.Err)
}

func (e *PipelineAbortError) Unwrap() error { return e.Err }

func (e *PipelineAbortError) Is(target error) bool { return target == ErrPipelineAborted }
