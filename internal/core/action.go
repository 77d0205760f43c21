package core

import (
	"context"
)

// ActionInput is everything an action may read for one step invocation.
type ActionInput struct {
	// Inputs are the rendered `with` values, or {"run": script, "shell": sh}
	// for shell commands.
	Inputs    map[string]string
	Env       map[string]string
	Workspace string
	RunnerOS  string
	Instance  string
	Step      string
}

// PostFunc runs after all steps of an instance succeeded, in reverse
// registration order.
type PostFunc func(ctx context.Context) error

// ActionResult carries a step's named outputs, its captured log and an
// optional post hook.
type ActionResult struct {
	Outputs map[string]string
	Log     string
	Post    PostFunc
}

// Action is one executable step kind. Implementations must honor ctx
// cancellation where they can.
type Action interface {
	Run(ctx context.Context, in ActionInput) (*ActionResult, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, in ActionInput) (*ActionResult, error)

func (f ActionFunc) Run(ctx context.Context, in ActionInput) (*ActionResult, error) {
	return f(ctx, in)
}

// ActionResolver maps a `uses` reference onto an Action.
type ActionResolver interface {
	Resolve(uses string) (Action, error)
}
