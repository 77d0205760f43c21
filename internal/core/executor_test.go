package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blockci/internal/expr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSingle(t *testing.T, src string, exec *Executor, toggles map[string]bool) *Instance {
	t.Helper()
	p := mustParse(t, src)
	rc := NewRunContext("run-1", Event{Kind: EventPush, Branch: "master"}, toggles, t.TempDir())
	insts := ExpandJob(p.Jobs[0])
	require.Len(t, insts, 1)
	exec.RunInstance(context.Background(), rc, insts[0])
	return insts[0]
}

const cachedInstall = `
on: push
jobs:
  tests:
    runs-on: ubuntu-latest
    steps:
      - id: cache-deps
        uses: cache
      - name: Install dependencies
        if: steps.cache-deps.outputs.cache-hit != 'true'
        run: pip install -r requirements.txt
      - run: pytest
`

func TestRunInstance_CacheHitSkipsInstall(t *testing.T) {
	sh := &shell{}
	actions := ciActions("true")
	actions["cache"] = actions["actions/cache@v2"]
	exec := NewExecutor(actions, sh)

	inst := runSingle(t, cachedInstall, exec, nil)

	assert.Equal(t, StateSucceeded, inst.State())
	assert.Equal(t, []string{"tests: pytest"}, sh.Calls())
	snap := inst.Snapshot()
	assert.Equal(t, StateSkipped, snap.Steps[1].State)
	assert.Equal(t, "skipped", snap.Steps[1].Outcome)
	assert.Equal(t, "ubuntu-latest", snap.RunsOn)
}

func TestRunInstance_CacheMissRunsInstall(t *testing.T) {
	sh := &shell{}
	exec := NewExecutor(fakeActions{"cache": ciActions("false")["actions/cache@v2"]}, sh)

	inst := runSingle(t, cachedInstall, exec, nil)

	assert.Equal(t, StateSucceeded, inst.State())
	assert.Equal(t, []string{"tests: pip install -r requirements.txt", "tests: pytest"}, sh.Calls())
}

func TestRunInstance_FailureHaltsRemainingSteps(t *testing.T) {
	sh := &shell{}
	sh.on("flake8", failWith("E501 line too long"))
	exec := NewExecutor(nil, sh)

	inst := runSingle(t, `
on: push
jobs:
  linting:
    steps:
      - run: flake8 .
      - run: black --check .
`, exec, nil)

	assert.Equal(t, StateFailed, inst.State())
	var sf *StepFailure
	require.ErrorAs(t, inst.Err(), &sf)
	assert.Equal(t, "flake8 .", sf.Step)
	assert.Equal(t, []string{"linting: flake8 ."}, sh.Calls())
	snap := inst.Snapshot()
	assert.Equal(t, StateFailed, snap.Steps[0].State)
	assert.Equal(t, "E501 line too long\n", snap.Steps[0].Log)
	assert.Equal(t, StateSkipped, snap.Steps[1].State)
	assert.Equal(t, 1, inst.ExecutedSteps())
}

func TestRunInstance_ContinueOnError(t *testing.T) {
	sh := &shell{}
	sh.on("mypy", failWith("type error"))
	exec := NewExecutor(nil, sh)

	inst := runSingle(t, `
on: push
jobs:
  lint:
    steps:
      - id: types
        run: mypy .
        continue-on-error: true
      - if: steps.types.outcome == 'failure'
        run: echo types failed
`, exec, nil)

	assert.Equal(t, StateSucceeded, inst.State())
	assert.Equal(t, []string{"lint: mypy .", "lint: echo types failed"}, sh.Calls())
	assert.Equal(t, "failure", inst.Snapshot().Steps[0].Outcome)
}

func TestRunInstance_GuardErrorFailsInstance(t *testing.T) {
	sh := &shell{}
	exec := NewExecutor(nil, sh)

	inst := runSingle(t, `
on: push
jobs:
  a:
    steps:
      - run: make
        if: branch
      - run: never
`, exec, nil)

	assert.Equal(t, StateFailed, inst.State())
	assert.ErrorIs(t, inst.Err(), expr.ErrGuard)
	assert.Empty(t, sh.Calls())
}

func TestRunInstance_AllStepsSkippedIsSkipped(t *testing.T) {
	sh := &shell{}
	exec := NewExecutor(nil, sh)

	inst := runSingle(t, `
on: push
jobs:
  upload:
    steps:
      - if: toggles.coverage-upload
        run: codecov
`, exec, nil)
	assert.Equal(t, StateSkipped, inst.State())

	inst = runSingle(t, `
on: push
jobs:
  upload:
    steps:
      - if: toggles.coverage-upload
        run: codecov
`, exec, map[string]bool{"coverage-upload": true})
	assert.Equal(t, StateSucceeded, inst.State())
	assert.Equal(t, []string{"upload: codecov"}, sh.Calls())
}

func TestRunInstance_TemplatesEnvAndOutputs(t *testing.T) {
	var got ActionInput
	build := ActionFunc(func(_ context.Context, in ActionInput) (*ActionResult, error) {
		got = in
		return &ActionResult{Outputs: map[string]string{"artifact": "app-" + in.Inputs["target"]}}, nil
	})
	sh := &shell{}
	exec := NewExecutor(fakeActions{"build": build}, sh)

	p := mustParse(t, `
on: push
jobs:
  package:
    runs-on: ${{ matrix.os }}
    strategy:
      matrix:
        os: [macos-latest]
        go-version: ["1.23"]
    outputs:
      artifact: ${{ steps.build.outputs.artifact }}
    steps:
      - id: build
        uses: build
        with:
          target: ${{ runner.os }}-${{ matrix.go-version }}
        env:
          BRANCH: ${{ branch }}
      - run: echo "${HOME}" ${{ steps.build.outputs.artifact }}
`)
	rc := NewRunContext("r", Event{Kind: EventPush, Branch: "refs/heads/main"}, nil, t.TempDir())
	inst := ExpandJob(p.Jobs[0])[0]
	require.Equal(t, StateSucceeded, exec.RunInstance(context.Background(), rc, inst))

	assert.Equal(t, map[string]string{"target": "macOS-1.23"}, got.Inputs)
	assert.Equal(t, "main", got.Env["BRANCH"])
	assert.Equal(t, "macos-latest", got.Env["MATRIX_OS"])
	assert.Equal(t, "1.23", got.Env["MATRIX_GO_VERSION"])
	assert.Equal(t, "macOS", got.RunnerOS)
	assert.Equal(t, []string{`package (macos-latest, 1.23): echo "${HOME}" app-macOS-1.23`}, sh.Calls())
	assert.Equal(t, map[string]string{"artifact": "app-macOS-1.23"}, inst.Outputs())
}

func TestRunInstance_PostHooksRunInReverse(t *testing.T) {
	var mu sync.Mutex
	var order []string
	withPost := func(name string) Action {
		return ActionFunc(func(context.Context, ActionInput) (*ActionResult, error) {
			return &ActionResult{Post: func(context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			}}, nil
		})
	}
	exec := NewExecutor(fakeActions{"first": withPost("first"), "second": withPost("second")}, &shell{})

	inst := runSingle(t, `
on: push
jobs:
  a:
    steps:
      - uses: first
      - uses: second
`, exec, nil)

	assert.Equal(t, StateSucceeded, inst.State())
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRunInstance_PostHookErrorFails(t *testing.T) {
	bad := ActionFunc(func(context.Context, ActionInput) (*ActionResult, error) {
		return &ActionResult{Post: func(context.Context) error { return errors.New("upload failed") }}, nil
	})
	exec := NewExecutor(fakeActions{"bad": bad}, &shell{})

	inst := runSingle(t, "on: push\njobs:\n  a:\n    steps:\n      - uses: bad\n", exec, nil)
	assert.Equal(t, StateFailed, inst.State())
	assert.ErrorContains(t, inst.Err(), "upload failed")
}

func TestRunInstance_PostHooksSkippedOnFailure(t *testing.T) {
	called := false
	post := ActionFunc(func(context.Context, ActionInput) (*ActionResult, error) {
		return &ActionResult{Post: func(context.Context) error { called = true; return nil }}, nil
	})
	sh := &shell{}
	sh.on("pytest", failWith("1 failed"))
	exec := NewExecutor(fakeActions{"cache": post}, sh)

	inst := runSingle(t, "on: push\njobs:\n  a:\n    steps:\n      - uses: cache\n      - run: pytest\n", exec, nil)
	assert.Equal(t, StateFailed, inst.State())
	assert.False(t, called)
}

func TestRunInstance_StepTimeout(t *testing.T) {
	sh := &shell{}
	sh.on("sleep", blockUntilCancelled)
	exec := NewExecutor(nil, sh)
	exec.StepTimeout = 20 * time.Millisecond

	inst := runSingle(t, "on: push\njobs:\n  a:\n    steps:\n      - run: sleep 600\n", exec, nil)
	assert.Equal(t, StateFailed, inst.State())
	assert.ErrorContains(t, inst.Err(), "timed out")
}

func TestRunInstance_JobTimeoutFailsInstanceAndStep(t *testing.T) {
	sh := &shell{}
	sh.on("sleep", blockUntilCancelled)
	exec := NewExecutor(nil, sh)
	exec.StepTimeout = 0

	p := mustParse(t, "on: push\njobs:\n  a:\n    steps:\n      - run: make\n      - run: sleep 600\n      - run: never\n")
	p.Jobs[0].Timeout = 20 * time.Millisecond
	inst := ExpandJob(p.Jobs[0])[0]

	state := exec.RunInstance(context.Background(), NewRunContext("r", Event{}, nil, t.TempDir()), inst)

	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, inst.Err(), ErrJobTimeout)
	steps := inst.Snapshot().Steps
	assert.Equal(t, StateSucceeded, steps[0].State)
	assert.Equal(t, StateFailed, steps[1].State)
	assert.Equal(t, StateSkipped, steps[2].State)
	assert.Equal(t, []string{"a: make", "a: sleep 600"}, sh.Calls())
}

func TestRunInstance_CancelledBeforeStart(t *testing.T) {
	sh := &shell{}
	exec := NewExecutor(nil, sh)
	p := mustParse(t, "on: push\njobs:\n  a:\n    steps:\n      - run: make\n")
	inst := ExpandJob(p.Jobs[0])[0]

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrFailFast)
	state := exec.RunInstance(ctx, NewRunContext("r", Event{}, nil, "."), inst)

	assert.Equal(t, StateCancelled, state)
	assert.ErrorIs(t, inst.Err(), ErrFailFast)
	assert.Empty(t, sh.Calls())
}

func TestRunnerOS(t *testing.T) {
	assert.Equal(t, "Linux", RunnerOS("ubuntu-22.04"))
	assert.Equal(t, "macOS", RunnerOS("macos-latest"))
	assert.Equal(t, "Windows", RunnerOS("windows-2019"))
	assert.Equal(t, "self-hosted", RunnerOS("self-hosted"))
}
