package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"blockci/internal/cache"
	"blockci/internal/core"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"actions/cache@v2":           "cache",
		"actions/checkout@v4":        "checkout",
		"actions/setup-python@v2":    "setup-runtime",
		"setup-go":                   "setup-runtime",
		"codecov/codecov-action@v1":  "coverage-upload",
		"Example/Custom-Action@main": "custom-action",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := Builtin(nil)
	assert.Equal(t, []string{"cache", "checkout", "coverage-upload", "setup-runtime"}, r.Names())

	a, err := r.Resolve("actions/setup-python@v2")
	require.NoError(t, err)
	assert.IsType(t, SetupRuntime{}, a)

	_, err = r.Resolve("org/deploy@v1")
	assert.ErrorContains(t, err, "unknown action")
	_, err = r.Resolve("./local-action")
	assert.ErrorContains(t, err, "unsupported")
}

func TestShell_OutputsEnvAndLog(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "marker"), []byte("workspace"), 0o644))
	res, err := NewShell().Run(context.Background(), core.ActionInput{
		Inputs:    map[string]string{"run": `echo "hello $NAME from $(cat marker)"; echo "version=1.2.3" >> "$BLOCKCI_OUTPUT"`},
		Env:       map[string]string{"NAME": "ci"},
		Workspace: ws,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello ci from workspace\n", res.Log)
	assert.Equal(t, map[string]string{"version": "1.2.3"}, res.Outputs)
}

func TestShell_FailureKeepsLog(t *testing.T) {
	res, err := NewShell().Run(context.Background(), core.ActionInput{
		Inputs:    map[string]string{"run": "echo broken >&2; exit 3"},
		Workspace: t.TempDir(),
	})
	require.Error(t, err)
	assert.Equal(t, "broken\n", res.Log)
}

func TestShell_Cancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewShell().Run(ctx, core.ActionInput{
		Inputs:    map[string]string{"run": "sleep 30"},
		Workspace: t.TempDir(),
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShell_UnsupportedShell(t *testing.T) {
	_, err := NewShell().Run(context.Background(), core.ActionInput{
		Inputs: map[string]string{"run": "x", "shell": "fish"},
	})
	assert.ErrorContains(t, err, "unsupported shell")
}

func TestSetupRuntime(t *testing.T) {
	res, err := SetupRuntime{}.Run(context.Background(), core.ActionInput{
		Inputs:   map[string]string{"python-version": "3.7"},
		RunnerOS: "Linux",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"version": "3.7.0", "runtime": "python"}, res.Outputs)

	res, err = SetupRuntime{}.Run(context.Background(), core.ActionInput{
		Inputs: map[string]string{"go-version": ">= 1.22"},
	})
	require.NoError(t, err)
	assert.Equal(t, "go", res.Outputs["runtime"])

	_, err = SetupRuntime{}.Run(context.Background(), core.ActionInput{
		Inputs: map[string]string{"node-version": "latest-ish"},
	})
	assert.Error(t, err)

	_, err = SetupRuntime{}.Run(context.Background(), core.ActionInput{})
	assert.ErrorContains(t, err, "no version")
}

func TestCache_MissThenPostStoreThenExactHit(t *testing.T) {
	store := cache.NewFSStore(memfs.New())
	action := &Cache{Store: store}
	ctx := context.Background()

	ws1 := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws1, ".venv", "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws1, ".venv", "lib", "pkg.py"), []byte("x = 1\n"), 0o644))

	in := core.ActionInput{
		Inputs:    map[string]string{"path": ".venv", "key": "Linux-pip-abc", "restore-keys": "Linux-pip-\n"},
		Workspace: ws1,
	}
	res, err := action.Run(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "false", res.Outputs["cache-hit"])
	require.NotNil(t, res.Post)
	require.NoError(t, res.Post(ctx))

	ws2 := t.TempDir()
	in.Workspace = ws2
	res, err = action.Run(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "true", res.Outputs["cache-hit"])
	assert.Equal(t, "Linux-pip-abc", res.Outputs["cache-matched-key"])
	assert.Nil(t, res.Post)
	data, err := os.ReadFile(filepath.Join(ws2, ".venv", "lib", "pkg.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(data))

	in.Inputs["key"] = "Linux-pip-def"
	in.Workspace = t.TempDir()
	res, err = action.Run(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "false", res.Outputs["cache-hit"])
	assert.Equal(t, "Linux-pip-abc", res.Outputs["cache-matched-key"])
	assert.NotNil(t, res.Post)
}

func TestCache_Disabled(t *testing.T) {
	res, err := (&Cache{}).Run(context.Background(), core.ActionInput{
		Inputs: map[string]string{"path": ".venv", "key": "k"},
	})
	require.NoError(t, err)
	assert.Equal(t, "false", res.Outputs["cache-hit"])

	_, err = (&Cache{}).Run(context.Background(), core.ActionInput{Inputs: map[string]string{"key": "k"}})
	assert.Error(t, err)
}

func TestCheckout_ExistingWorkspace(t *testing.T) {
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "setup.py"), []byte("print()\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("setup.py")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)

	res, err := Checkout{}.Run(context.Background(), core.ActionInput{Workspace: src})
	require.NoError(t, err)
	assert.Equal(t, hash.String(), res.Outputs["commit"])

	_, err = Checkout{}.Run(context.Background(), core.ActionInput{
		Inputs:    map[string]string{"repository": src, "path": "/abs"},
		Workspace: t.TempDir(),
	})
	assert.Error(t, err)
}
