package core

import (
	"time"

	"blockci/internal/expr"
)

// Job is a named unit of work: ordered steps, dependencies and an optional
// matrix. Jobs are built once at load and never mutated.
type Job struct {
	ID      string
	Name    string
	Needs   []string
	RunsOn  *expr.Template
	Matrix  *Matrix
	Steps   []*Step
	Outputs map[string]*expr.Template
	Timeout time.Duration
}

// DisplayName prefers the declared name over the id.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// FailFast reports whether one failed instance cancels its siblings.
func (j *Job) FailFast() bool {
	return j.Matrix != nil && j.Matrix.FailFast
}

// Matrix holds the ordered axes whose Cartesian product defines the
// instances of a job.
type Matrix struct {
	Axes        []Axis
	FailFast    bool
	MaxParallel int
	Exclude     []map[string]string
}

// Axis is one named matrix dimension.
type Axis struct {
	Name   string
	Values []string
}

// Step is one action invocation or shell command inside a job.
type Step struct {
	Index           int
	ID              string
	Name            string
	Guard           *expr.Guard
	Uses            string
	Run             *expr.Template
	With            map[string]*expr.Template
	Env             map[string]*expr.Template
	Shell           string
	ContinueOnError bool
	Timeout         time.Duration
}

// DisplayName returns the name, the id, the action or the command, in that
// order of preference.
func (s *Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.ID != "":
		return s.ID
	case s.Uses != "":
		return s.Uses
	case s.Run != nil:
		return firstLine(s.Run.String())
	}
	return "step"
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
