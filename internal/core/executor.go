package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"blockci/internal/ctxlog"
	"blockci/internal/expr"

	"go.uber.org/zap"
)

// StepHook observes every step that reached a terminal state.
type StepHook func(ctx context.Context, rc *RunContext, inst *Instance, rec StepRecord)

// Executor runs the steps of one instance strictly in order.
type Executor struct {
	Actions  ActionResolver
	Commands Action
	// StepTimeout bounds steps without their own timeout-minutes. Zero
	// means unbounded.
	StepTimeout    time.Duration
	OnStepFinished StepHook
}

// NewExecutor creates an executor resolving `uses` through actions and
// running `run` scripts with commands.
func NewExecutor(actions ActionResolver, commands Action) *Executor {
	return &Executor{Actions: actions, Commands: commands, StepTimeout: 5 * time.Minute}
}

// RunInstance drives inst from pending to a terminal state and returns it.
func (e *Executor) RunInstance(ctx context.Context, rc *RunContext, inst *Instance) State {
	ctx, log := ctxlog.With(ctx, zap.String("instance", inst.ID()))

	if ctx.Err() != nil {
		state, cause := cancelState(ctx)
		inst.finish(state, cause)
		return inst.State()
	}
	if err := inst.transition(StateRunning, nil); err != nil {
		log.Error("cannot start instance", zap.Error(err))
		return inst.State()
	}

	label, err := inst.Job.RunsOn.Render(&expr.Scope{Matrix: inst.Matrix.Map()})
	if err != nil {
		inst.finish(StateFailed, fmt.Errorf("runs-on: %w", err))
		return inst.State()
	}
	runnerOS := RunnerOS(label)
	inst.setRunsOn(label)

	if inst.Job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, inst.Job.Timeout, ErrJobTimeout)
		defer cancel()
	}

	log.Info("instance started", zap.String("runs_on", label))

	var (
		views   = make(map[string]expr.StepView)
		posts   []PostFunc
		ran     bool
		stopped bool
		failure error
	)

	for i, step := range inst.Job.Steps {
		if ctx.Err() != nil {
			stopped = true
			break
		}
		scope := rc.scope(inst, runnerOS, views)

		ok, err := step.Guard.Eval(scope)
		if err != nil {
			failure = &StepFailure{Instance: inst.ID(), Step: step.DisplayName(), Err: err}
			e.record(ctx, rc, inst, i, StateFailed, nil, "", err)
			break
		}
		if !ok {
			log.Debug("step skipped by guard", zap.String("step", step.DisplayName()))
			e.record(ctx, rc, inst, i, StateSkipped, nil, "", nil)
			setView(views, step, StateSkipped, nil)
			continue
		}

		ran = true
		inst.updateStep(i, func(r *StepRecord) {
			r.State = StateRunning
			r.Started = time.Now()
		})
		res, err := e.runStep(ctx, scope, inst, step, runnerOS)
		if ctx.Err() != nil {
			// The result of an interrupted step is discarded. A job timeout
			// fails the step like it fails the instance.
			state, cause := cancelState(ctx)
			e.record(ctx, rc, inst, i, state, nil, "", cause)
			stopped = true
			break
		}

		var outputs map[string]string
		var logText string
		if res != nil {
			outputs, logText = res.Outputs, res.Log
		}
		if err != nil {
			log.Warn("step failed", zap.String("step", step.DisplayName()), zap.Error(err))
			e.record(ctx, rc, inst, i, StateFailed, outputs, logText, err)
			setView(views, step, StateFailed, outputs)
			if step.ContinueOnError {
				continue
			}
			failure = &StepFailure{Instance: inst.ID(), Step: step.DisplayName(), Err: err}
			break
		}

		e.record(ctx, rc, inst, i, StateSucceeded, outputs, logText, nil)
		setView(views, step, StateSucceeded, outputs)
		if res != nil && res.Post != nil {
			posts = append(posts, res.Post)
		}
	}

	switch {
	case stopped:
		state, cause := cancelState(ctx)
		inst.finish(state, cause)
	case failure != nil:
		inst.finish(StateFailed, failure)
	case !ran:
		inst.finish(StateSkipped, nil)
	default:
		// A finished instance keeps its result even if siblings were cancelled.
		if err := runPosts(context.WithoutCancel(ctx), posts); err != nil {
			inst.finish(StateFailed, fmt.Errorf("post step: %w", err))
			break
		}
		outputs, err := renderOutputs(inst.Job, rc.scope(inst, runnerOS, views))
		if err != nil {
			inst.finish(StateFailed, err)
			break
		}
		inst.setOutputs(outputs)
		inst.finish(StateSucceeded, nil)
	}

	log.Info("instance finished", zap.String("state", string(inst.State())))
	return inst.State()
}

func (e *Executor) runStep(ctx context.Context, scope *expr.Scope, inst *Instance, step *Step, runnerOS string) (*ActionResult, error) {
	inputs, err := renderMap(step.With, scope)
	if err != nil {
		return nil, fmt.Errorf("with: %w", err)
	}
	env, err := renderMap(step.Env, scope)
	if err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}
	if env == nil {
		env = make(map[string]string)
	}
	for _, av := range inst.Matrix {
		env["MATRIX_"+envName(av.Name)] = av.Value
	}

	var action Action
	if step.Uses != "" {
		if e.Actions == nil {
			return nil, fmt.Errorf("no action resolver for %q", step.Uses)
		}
		if action, err = e.Actions.Resolve(step.Uses); err != nil {
			return nil, err
		}
	} else {
		if e.Commands == nil {
			return nil, errors.New("no command runner configured")
		}
		script, err := step.Run.Render(scope)
		if err != nil {
			return nil, fmt.Errorf("run: %w", err)
		}
		action = e.Commands
		inputs = map[string]string{"run": script, "shell": step.Shell}
	}

	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.StepTimeout
	}
	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	in := ActionInput{
		Inputs:    inputs,
		Env:       env,
		Workspace: scope.Workspace,
		RunnerOS:  runnerOS,
		Instance:  inst.ID(),
		Step:      step.DisplayName(),
	}

	type result struct {
		res *ActionResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := action.Run(stepCtx, in)
		done <- result{res, err}
	}()
	select {
	case r := <-done:
		if r.err != nil && stepCtx.Err() != nil && ctx.Err() == nil {
			return r.res, fmt.Errorf("step timed out after %s", timeout)
		}
		return r.res, r.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("step timed out after %s", timeout)
	}
}

func (e *Executor) record(ctx context.Context, rc *RunContext, inst *Instance, idx int, state State, outputs map[string]string, logText string, err error) {
	var snap StepRecord
	inst.updateStep(idx, func(r *StepRecord) {
		r.State = state
		r.Outcome = state.Outcome()
		r.Outputs = outputs
		r.Log = logText
		if err != nil {
			r.Error = err.Error()
		}
		if state != StateSkipped {
			r.Finished = time.Now()
		}
		snap = *r
	})
	if e.OnStepFinished != nil {
		e.OnStepFinished(ctx, rc, inst, snap)
	}
}

func setView(views map[string]expr.StepView, step *Step, state State, outputs map[string]string) {
	if step.ID == "" {
		return
	}
	views[step.ID] = expr.StepView{Outputs: outputs, Outcome: state.Outcome()}
}

func runPosts(ctx context.Context, posts []PostFunc) error {
	var errs []error
	for i := len(posts) - 1; i >= 0; i-- {
		if err := posts[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderOutputs(job *Job, scope *expr.Scope) (map[string]string, error) {
	if len(job.Outputs) == 0 {
		return nil, nil
	}
	out, err := renderMap(job.Outputs, scope)
	if err != nil {
		return nil, fmt.Errorf("job outputs: %w", err)
	}
	return out, nil
}

func renderMap(in map[string]*expr.Template, scope *expr.Scope) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for _, k := range sortedKeys(in) {
		v, err := in[k].Render(scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func envName(axis string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(axis))
}

func cancelState(ctx context.Context) (State, error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrJobTimeout) {
		return StateFailed, cause
	}
	return StateCancelled, cause
}
