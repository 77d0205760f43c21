package expr

import (
	"github.com/zclconf/go-cty/cty"
)

// StepView is what a guard can observe of an earlier step in the same instance.
type StepView struct {
	Outputs map[string]string
	Outcome string
}

// NeedView is what a guard can observe of a completed upstream job.
type NeedView struct {
	Outputs map[string]string
	Result  string
}

// Scope is the read-only evaluation context of one guard or template.
type Scope struct {
	Event     string
	Branch    string
	RunnerOS  string
	Matrix    map[string]string
	Steps     map[string]StepView
	Needs     map[string]NeedView
	Toggles   map[string]bool
	Workspace string
}

// lookup resolves a validated reference path. Missing leaves are empty
// strings, missing toggles are false.
func (s *Scope) lookup(path []string) cty.Value {
	if s == nil {
		if path[0] == "toggles" {
			return cty.False
		}
		return cty.StringVal("")
	}
	switch path[0] {
	case "event":
		return cty.StringVal(s.Event)
	case "branch":
		return cty.StringVal(s.Branch)
	case "runner":
		return cty.StringVal(s.RunnerOS)
	case "matrix":
		return cty.StringVal(s.Matrix[path[1]])
	case "toggles":
		return cty.BoolVal(s.Toggles[path[1]])
	case "steps":
		step := s.Steps[path[1]]
		if path[2] == "outcome" || path[2] == "conclusion" {
			return cty.StringVal(step.Outcome)
		}
		return cty.StringVal(step.Outputs[path[3]])
	case "needs":
		need := s.Needs[path[1]]
		if path[2] == "result" {
			return cty.StringVal(need.Result)
		}
		return cty.StringVal(need.Outputs[path[3]])
	}
	return cty.StringVal("")
}
