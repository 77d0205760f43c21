package core

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a job instance or a step.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateSkipped   State = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateSkipped:
		return true
	}
	return false
}

// Outcome maps a state onto the vocabulary guards see in steps.<id>.outcome
// and needs.<job>.result.
func (s State) Outcome() string {
	switch s {
	case StateSucceeded:
		return "success"
	case StateFailed:
		return "failure"
	case StateCancelled:
		return "cancelled"
	case StateSkipped:
		return "skipped"
	}
	return ""
}

var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled, StateSkipped},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled, StateSkipped},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StepRecord is the execution record of one step of one instance.
type StepRecord struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	State    State             `json:"state"`
	Outcome  string            `json:"outcome,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Log      string            `json:"-"`
	Error    string            `json:"error,omitempty"`
	Started  time.Time         `json:"started,omitempty"`
	Finished time.Time         `json:"finished,omitempty"`
}

// Instance is one matrix binding of a job and its execution state. The
// scheduler owns transitions; readers use Snapshot.
type Instance struct {
	Job    *Job
	Index  int
	Matrix Combination

	mu       sync.Mutex
	state    State
	runsOn   string
	steps    []*StepRecord
	outputs  map[string]string
	err      error
	started  time.Time
	finished time.Time
}

func newInstance(job *Job, index int, c Combination) *Instance {
	inst := &Instance{Job: job, Index: index, Matrix: c, state: StatePending}
	inst.steps = make([]*StepRecord, len(job.Steps))
	for i, s := range job.Steps {
		inst.steps[i] = &StepRecord{Index: i, ID: s.ID, Name: s.DisplayName(), State: StatePending}
	}
	return inst
}

// ID is the job id followed by the matrix values, e.g. "tests (3.7, macos-latest)".
func (i *Instance) ID() string {
	if l := i.Matrix.Label(); l != "" {
		return i.Job.ID + " " + l
	}
	return i.Job.ID
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Instance) Outputs() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.outputs
}

// ExecutedSteps counts steps that actually started.
func (i *Instance) ExecutedSteps() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, s := range i.steps {
		if !s.Started.IsZero() {
			n++
		}
	}
	return n
}

func (i *Instance) transition(to State, err error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !canTransition(i.state, to) {
		return fmt.Errorf("instance %s: illegal transition %s -> %s", i.ID(), i.state, to)
	}
	now := time.Now()
	if to == StateRunning {
		i.started = now
	} else {
		i.finished = now
	}
	i.state = to
	if err != nil {
		i.err = err
	}
	if to.Terminal() {
		for _, s := range i.steps {
			if s.State == StatePending {
				s.State = StateSkipped
			}
		}
	}
	return nil
}

// finish moves a pending or running instance to a terminal state. It is a
// no-op on an instance that already terminated.
func (i *Instance) finish(to State, err error) {
	if i.State().Terminal() {
		return
	}
	_ = i.transition(to, err)
}

func (i *Instance) setRunsOn(label string) {
	i.mu.Lock()
	i.runsOn = label
	i.mu.Unlock()
}

func (i *Instance) setOutputs(out map[string]string) {
	i.mu.Lock()
	i.outputs = out
	i.mu.Unlock()
}

func (i *Instance) updateStep(idx int, fn func(*StepRecord)) {
	i.mu.Lock()
	fn(i.steps[idx])
	i.mu.Unlock()
}

// InstanceSnapshot is a point-in-time copy of an instance for reports.
type InstanceSnapshot struct {
	ID       string            `json:"id"`
	Job      string            `json:"job"`
	Matrix   map[string]string `json:"matrix,omitempty"`
	RunsOn   string            `json:"runs_on,omitempty"`
	State    State             `json:"state"`
	Error    string            `json:"error,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Steps    []StepRecord      `json:"steps"`
	Started  time.Time         `json:"started,omitempty"`
	Finished time.Time         `json:"finished,omitempty"`
}

func (i *Instance) Snapshot() InstanceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	snap := InstanceSnapshot{
		ID:       i.ID(),
		Job:      i.Job.ID,
		RunsOn:   i.runsOn,
		State:    i.state,
		Outputs:  i.outputs,
		Started:  i.started,
		Finished: i.finished,
	}
	if len(i.Matrix) > 0 {
		snap.Matrix = i.Matrix.Map()
	}
	if i.err != nil {
		snap.Error = i.err.Error()
	}
	snap.Steps = make([]StepRecord, len(i.steps))
	for k, s := range i.steps {
		snap.Steps[k] = *s
	}
	return snap
}

// RunnerOS maps a runs-on label onto the OS family exposed as runner.os.
func RunnerOS(label string) string {
	l := strings.ToLower(label)
	switch {
	case strings.HasPrefix(l, "ubuntu"), strings.HasPrefix(l, "linux"):
		return "Linux"
	case strings.HasPrefix(l, "macos"), strings.HasPrefix(l, "osx"):
		return "macOS"
	case strings.HasPrefix(l, "windows"):
		return "Windows"
	}
	return label
}
