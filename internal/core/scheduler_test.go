package core

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_FailFastCancelsSiblings(t *testing.T) {
	succeeded := make(chan struct{})
	sh := &shell{}
	sh.on("pytest", func(ctx context.Context, in ActionInput) (*ActionResult, error) {
		switch {
		case strings.HasPrefix(in.Instance, "tests-windows"), in.Instance == "tests (3.9, ubuntu-latest)":
			return &ActionResult{Log: "passed\n"}, nil
		case in.Instance == "tests (3.7, macos-latest)":
			<-succeeded
			return failWith("1 failed")(ctx, in)
		}
		return blockUntilCancelled(ctx, in)
	})
	exec := NewExecutor(ciActions("true"), sh)
	exec.OnStepFinished = func(_ context.Context, _ *RunContext, inst *Instance, rec StepRecord) {
		if inst.ID() == "tests (3.9, ubuntu-latest)" && rec.Index == len(inst.Job.Steps)-1 {
			close(succeeded)
		}
	}

	rep := runPipeline(t, mustParse(t, ciPipeline), exec, 0, nil)

	tests := rep.Job("tests")
	require.NotNil(t, tests)
	assert.Equal(t, []State{
		StateCancelled, StateFailed,
		StateCancelled, StateCancelled,
		StateSucceeded, StateCancelled,
	}, statesOf(tests))
	assert.Equal(t, StateFailed, tests.State)
	for _, inst := range tests.Instances {
		if inst.State() == StateCancelled {
			assert.ErrorIs(t, inst.Err(), ErrFailFast, inst.ID())
		}
	}
	assert.False(t, rep.Success())
}

func TestScheduler_FailFastSerialLeavesRestUnstarted(t *testing.T) {
	sh := &shell{}
	sh.on("pytest", func(ctx context.Context, in ActionInput) (*ActionResult, error) {
		if in.Instance == "build (3.7, macos-latest)" {
			return failWith("1 failed")(ctx, in)
		}
		return &ActionResult{}, nil
	})
	exec := NewExecutor(nil, sh)
	p := mustParse(t, `
on: push
jobs:
  build:
    strategy:
      max-parallel: 1
      matrix:
        python: ["3.7", "3.8"]
        os: [ubuntu-latest, macos-latest]
    steps:
      - run: pytest
`)

	rep := runPipeline(t, p, exec, 0, nil)

	build := rep.Job("build")
	assert.Equal(t, []State{StateSucceeded, StateFailed, StateCancelled, StateCancelled}, statesOf(build))
	assert.Equal(t, 0, build.Instances[2].ExecutedSteps())
	assert.Equal(t, 0, build.Instances[3].ExecutedSteps())
	assert.Equal(t, 2, len(sh.Calls()))
}

func TestScheduler_JobTimeoutTriggersFailFast(t *testing.T) {
	sh := &shell{}
	sh.on("pytest", blockUntilCancelled)
	exec := NewExecutor(nil, sh)
	exec.StepTimeout = 0
	p := mustParse(t, `
on: push
jobs:
  build:
    strategy:
      max-parallel: 1
      matrix:
        python: ["3.7", "3.8", "3.9"]
    steps:
      - run: pytest
`)
	p.Jobs[0].Timeout = 20 * time.Millisecond

	rep := runPipeline(t, p, exec, 0, nil)

	build := rep.Job("build")
	assert.Equal(t, StateFailed, build.State)
	assert.Equal(t, []State{StateFailed, StateCancelled, StateCancelled}, statesOf(build))
	assert.ErrorIs(t, build.Instances[0].Err(), ErrJobTimeout)
	assert.ErrorIs(t, build.Instances[1].Err(), ErrFailFast)
	assert.Equal(t, 1, len(sh.Calls()))
}

func TestScheduler_NoFailFastRunsEverything(t *testing.T) {
	sh := &shell{}
	sh.on("pytest", func(ctx context.Context, in ActionInput) (*ActionResult, error) {
		if in.Env["MATRIX_PYTHON"] == "3.7" {
			return failWith("boom")(ctx, in)
		}
		return &ActionResult{}, nil
	})
	exec := NewExecutor(nil, sh)
	p := mustParse(t, `
on: push
jobs:
  build:
    strategy:
      fail-fast: false
      matrix:
        python: ["3.7", "3.8", "3.9"]
    steps:
      - run: pytest
`)

	rep := runPipeline(t, p, exec, 0, nil)
	assert.Equal(t, []State{StateFailed, StateSucceeded, StateSucceeded}, statesOf(rep.Job("build")))
}

func TestScheduler_FailedNeedSkipsDependents(t *testing.T) {
	sh := &shell{}
	sh.on("flake8", failWith("E302"))
	exec := NewExecutor(ciActions("true"), sh)

	rep := runPipeline(t, mustParse(t, ciPipeline), exec, 0, nil)

	assert.Equal(t, StateFailed, rep.Job("linting").State)
	for _, id := range []string{"tests", "tests-windows"} {
		jr := rep.Job(id)
		assert.Equal(t, StateSkipped, jr.State, id)
		require.NotEmpty(t, jr.Instances)
		for _, inst := range jr.Instances {
			assert.Equal(t, StateSkipped, inst.State())
			assert.Equal(t, 0, inst.ExecutedSteps())
			assert.ErrorIs(t, inst.Err(), ErrUpstreamFailed)
		}
	}
	assert.Equal(t, 0, sh.CallsFor("tests-windows"))
	assert.Equal(t, []string{"linting: flake8 ."}, sh.Calls())
	assert.False(t, rep.Success())
}

func TestScheduler_HappyPathRespectsNeedsAndQuota(t *testing.T) {
	var running, peak atomic.Int32
	sh := &shell{}
	sh.on("pytest", func(ctx context.Context, in ActionInput) (*ActionResult, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &ActionResult{}, nil
	})
	exec := NewExecutor(ciActions("false"), sh)

	rep := runPipeline(t, mustParse(t, ciPipeline), exec, 2, nil)

	assert.True(t, rep.Success())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, map[State]int{StateSucceeded: 10}, rep.Counts())

	calls := sh.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "linting: flake8 .", calls[0])
	assert.Equal(t, 12, sh.CallsFor("tests ("))
	for _, c := range calls {
		assert.NotContains(t, c, "codecov")
	}
}

func TestScheduler_JobOutputsFlowToNeeds(t *testing.T) {
	sh := &shell{}
	sh.on("echo version", func(context.Context, ActionInput) (*ActionResult, error) {
		return &ActionResult{Outputs: map[string]string{"value": "1.4.0"}}, nil
	})
	exec := NewExecutor(nil, sh)
	p := mustParse(t, `
on: push
jobs:
  version:
    outputs:
      tag: v${{ steps.v.outputs.value }}
    steps:
      - id: v
        run: echo version
  release:
    needs: [version]
    steps:
      - if: needs.version.result == 'success' && startsWith(needs.version.outputs.tag, 'v1.')
        run: publish ${{ needs.version.outputs.tag }}
`)

	rep := runPipeline(t, p, exec, 0, nil)

	assert.True(t, rep.Success())
	assert.Equal(t, map[string]string{"tag": "v1.4.0"}, rep.Job("version").Outputs)
	assert.Contains(t, sh.Calls(), "release: publish v1.4.0")
}

func TestScheduler_ParentCancellation(t *testing.T) {
	sh := &shell{}
	sh.on("sleep", blockUntilCancelled)
	exec := NewExecutor(nil, sh)
	p := mustParse(t, `
on: push
jobs:
  slow:
    steps:
      - run: sleep 600
  after:
    needs: slow
    steps:
      - run: make
`)
	g, err := BuildGraph(p.Jobs)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	results := NewScheduler(exec, 0).Run(ctx, g, NewRunContext("r", Event{}, nil, "."))

	require.Len(t, results, 2)
	assert.Equal(t, StateCancelled, results[0].State)
	assert.Equal(t, StateSkipped, results[1].State)
}
