package core

import (
	"sync"

	"blockci/internal/expr"
)

// RunContext is the per-run state shared by every instance: the triggering
// event, toggles, and the published results of finished jobs.
type RunContext struct {
	ID        string
	Event     Event
	Toggles   map[string]bool
	Workspace string

	mu   sync.RWMutex
	jobs map[string]expr.NeedView
}

// NewRunContext creates the context of one run.
func NewRunContext(id string, ev Event, toggles map[string]bool, workspace string) *RunContext {
	return &RunContext{
		ID:        id,
		Event:     ev,
		Toggles:   toggles,
		Workspace: workspace,
		jobs:      make(map[string]expr.NeedView),
	}
}

// PublishJob records the result and outputs of a terminated job.
func (rc *RunContext) PublishJob(jobID string, result State, outputs map[string]string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.jobs[jobID] = expr.NeedView{Outputs: outputs, Result: result.Outcome()}
}

// scope builds the evaluation scope of one instance. Only the job's direct
// needs are visible.
func (rc *RunContext) scope(inst *Instance, runnerOS string, steps map[string]expr.StepView) *expr.Scope {
	s := &expr.Scope{
		Event:     string(rc.Event.Kind),
		Branch:    rc.Event.ShortBranch(),
		RunnerOS:  runnerOS,
		Matrix:    inst.Matrix.Map(),
		Steps:     steps,
		Toggles:   rc.Toggles,
		Workspace: rc.Workspace,
	}
	if len(inst.Job.Needs) > 0 {
		rc.mu.RLock()
		s.Needs = make(map[string]expr.NeedView, len(inst.Job.Needs))
		for _, n := range inst.Job.Needs {
			s.Needs[n] = rc.jobs[n]
		}
		rc.mu.RUnlock()
	}
	return s
}
