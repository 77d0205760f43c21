package core

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pipeline is the immutable, validated form of a pipeline definition.
type Pipeline struct {
	Name     string
	Triggers []TriggerRule
	Jobs     []*Job // declaration order

	jobsByID map[string]*Job
}

// Job returns the job with the given id.
func (p *Pipeline) Job(id string) (*Job, bool) {
	j, ok := p.jobsByID[id]
	return j, ok
}

// EventKind is the kind of repository event that can start a run.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// Valid reports whether k is a supported event kind.
func (k EventKind) Valid() bool {
	return k == EventPush || k == EventPullRequest
}

// Event is the trigger input of a run.
type Event struct {
	Kind   EventKind `json:"kind"`
	Branch string    `json:"branch"`
}

// ShortBranch strips a refs/heads/ prefix.
func (e Event) ShortBranch() string {
	return strings.TrimPrefix(e.Branch, "refs/heads/")
}

// TriggerRule starts a run for events of one kind on matching branches.
// No branch patterns means every branch.
type TriggerRule struct {
	Event          EventKind
	Branches       []string
	BranchesIgnore []string
}

// Matches reports whether ev satisfies the rule.
func (r TriggerRule) Matches(ev Event) bool {
	if r.Event != ev.Kind {
		return false
	}
	branch := ev.ShortBranch()
	for _, pattern := range r.BranchesIgnore {
		if matchBranch(pattern, branch) {
			return false
		}
	}
	if len(r.Branches) == 0 {
		return true
	}
	for _, pattern := range r.Branches {
		if matchBranch(pattern, branch) {
			return true
		}
	}
	return false
}

func matchBranch(pattern, branch string) bool {
	ok, err := doublestar.Match(pattern, branch)
	return err == nil && ok
}

// Triggered reports whether any of the pipeline's rules matches ev.
// A mismatch is not an error: the run simply does not start.
func (p *Pipeline) Triggered(ev Event) bool {
	for _, rule := range p.Triggers {
		if rule.Matches(ev) {
			return true
		}
	}
	return false
}
