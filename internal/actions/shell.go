package actions

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"blockci/internal/core"
)

// OutputEnv names the file a script appends `name=value` lines to in order
// to set step outputs.
const OutputEnv = "BLOCKCI_OUTPUT"

// Shell runs `run` scripts through a local interpreter.
type Shell struct {
	// WaitDelay bounds how long a cancelled process may linger.
	WaitDelay time.Duration
}

func NewShell() *Shell {
	return &Shell{WaitDelay: 5 * time.Second}
}

func interpreter(shell string) ([]string, error) {
	switch shell {
	case "", "sh":
		return []string{"sh", "-c"}, nil
	case "bash":
		return []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "-c"}, nil
	case "pwsh", "powershell":
		return []string{shell, "-NoProfile", "-Command"}, nil
	case "python":
		return []string{"python", "-c"}, nil
	}
	return nil, fmt.Errorf("unsupported shell %q", shell)
}

func (s *Shell) Run(ctx context.Context, in core.ActionInput) (*core.ActionResult, error) {
	argv, err := interpreter(in.Inputs["shell"])
	if err != nil {
		return nil, err
	}

	outFile, err := os.CreateTemp("", "blockci-output-*")
	if err != nil {
		return nil, err
	}
	outFile.Close()
	defer os.Remove(outFile.Name())

	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], in.Inputs["run"])...)
	cmd.Dir = in.Workspace
	cmd.Env = append(os.Environ(), "CI=true", "RUNNER_OS="+in.RunnerOS, OutputEnv+"="+outFile.Name())
	for _, k := range sortedKeys(in.Env) {
		cmd.Env = append(cmd.Env, k+"="+in.Env[k])
	}
	cmd.WaitDelay = s.WaitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	res := &core.ActionResult{Log: out.String()}
	if outputs, err := readOutputs(outFile.Name()); err == nil {
		res.Outputs = outputs
	}
	return res, runErr
}

func readOutputs(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, sc.Err()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
