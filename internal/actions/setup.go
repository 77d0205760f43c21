package actions

import (
	"context"
	"fmt"

	"blockci/internal/core"

	"github.com/Masterminds/semver/v3"
)

var versionInputs = []struct{ input, runtime string }{
	{"version", ""},
	{"python-version", "python"},
	{"go-version", "go"},
	{"node-version", "node"},
	{"java-version", "java"},
}

// SetupRuntime resolves the requested toolchain version. Provisioning the
// toolchain itself belongs to the runner image, so the action only
// validates and normalizes the version and exports it.
type SetupRuntime struct{}

func (SetupRuntime) Run(_ context.Context, in core.ActionInput) (*core.ActionResult, error) {
	var raw, runtime string
	for _, vi := range versionInputs {
		if v := in.Inputs[vi.input]; v != "" {
			raw, runtime = v, vi.runtime
			break
		}
	}
	if raw == "" {
		return nil, fmt.Errorf("setup-runtime: no version input given")
	}
	if r := in.Inputs["runtime"]; r != "" {
		runtime = r
	}

	v, err := semver.NewVersion(raw)
	if err != nil {
		c, cerr := semver.NewConstraint(raw)
		if cerr != nil {
			return nil, fmt.Errorf("setup-runtime: invalid version %q: %w", raw, err)
		}
		return &core.ActionResult{
			Outputs: map[string]string{"version": c.String(), "runtime": runtime},
			Log:     fmt.Sprintf("%s %s requested on %s\n", runtime, c, in.RunnerOS),
		}, nil
	}
	return &core.ActionResult{
		Outputs: map[string]string{"version": v.String(), "runtime": runtime},
		Log:     fmt.Sprintf("%s %s on %s\n", runtime, v, in.RunnerOS),
	}, nil
}
