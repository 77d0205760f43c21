package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPipeline is the kind of every load-time validation failure.
	ErrInvalidPipeline = errors.New("invalid pipeline")
	// ErrCycle is the kind of CyclicDependencyError.
	ErrCycle = errors.New("cyclic dependency")
	// ErrFailFast is the cancellation cause for siblings of a failed matrix instance.
	ErrFailFast = errors.New("cancelled by fail-fast")
	// ErrJobTimeout is the cancellation cause when a job exceeds timeout-minutes.
	ErrJobTimeout = errors.New("job timed out")
	// ErrUpstreamFailed marks instances skipped because a needed job did not succeed.
	ErrUpstreamFailed = errors.New("upstream job did not succeed")
)

// ValidationError is a pipeline definition the engine refuses to load.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidPipeline.Error(), e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPipeline }

func invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// CyclicDependencyError rejects a pipeline whose needs graph has a cycle.
// Path is one deterministic witness, first and last element equal.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(e.Path, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCycle }

// StepFailure is the terminal error of an instance halted by a failing step.
type StepFailure struct {
	Instance string
	Step     string
	Err      error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("%s: step %q failed: %v", e.Instance, e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error { return e.Err }
