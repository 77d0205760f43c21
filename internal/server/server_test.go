package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"blockci/internal/actions"
	"blockci/internal/core"
	"blockci/internal/ledger"
	"blockci/internal/security"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const pipelineYAML = `
name: CI
on:
  push:
    branches: [master]
jobs:
  build:
    steps:
      - run: make build
  test:
    needs: build
    steps:
      - uses: actions/setup-go@v5
        with:
          go-version: "1.22"
      - run: make test
`

func echo(ctx context.Context, in core.ActionInput) (*core.ActionResult, error) {
	if strings.HasPrefix(in.Inputs["run"], "exit 1") {
		return &core.ActionResult{Log: "boom\n"}, errors.New("exit status 1")
	}
	return &core.ActionResult{Log: in.Inputs["run"] + "\n"}, nil
}

func newTestServer(t *testing.T, src string, led *ledger.Ledger) (*Server, *httptest.Server) {
	t.Helper()
	p, err := core.ParsePipeline([]byte(src))
	require.NoError(t, err)

	exec := core.NewExecutor(actions.Builtin(nil), core.ActionFunc(echo))
	runner := core.NewRunner(exec, core.WithLedger(led), core.WithWorkspace(t.TempDir()))
	s := New(runner, func() (*core.Pipeline, error) { return p, nil }, led, nil)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func postEvent(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, pipelineYAML, nil)
	var out map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &out))
	assert.Equal(t, "ok", out["status"])
}

func TestEvent_MismatchIsNotTriggered(t *testing.T) {
	s, ts := newTestServer(t, pipelineYAML, nil)

	status, out := postEvent(t, ts.URL, `{"kind":"push","branch":"feature/x"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["triggered"])

	s.Wait()
	var runs []map[string]any
	getJSON(t, ts.URL+"/runs", &runs)
	assert.Empty(t, runs)
}

func TestEvent_BadRequests(t *testing.T) {
	_, ts := newTestServer(t, pipelineYAML, nil)
	for _, body := range []string{`{`, `{"kind":"tag","branch":"master"}`, `{"kind":"push"}`} {
		status, out := postEvent(t, ts.URL, body)
		assert.Equal(t, http.StatusBadRequest, status, body)
		assert.NotEmpty(t, out["error"])
	}
}

func TestEvent_RunsAndReports(t *testing.T) {
	fs := memfs.New()
	signer, err := security.GenerateSigner()
	require.NoError(t, err)
	led, err := ledger.Open(fs, "ledger.jsonl", signer, "test-agent")
	require.NoError(t, err)

	s, ts := newTestServer(t, pipelineYAML, led)

	status, out := postEvent(t, ts.URL, `{"kind":"push","branch":"refs/heads/master"}`)
	require.Equal(t, http.StatusAccepted, status)
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)

	s.Wait()

	var got struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Success *bool  `json:"success"`
		Report  struct {
			Triggered bool `json:"triggered"`
			Jobs      []struct {
				ID    string `json:"id"`
				State string `json:"state"`
			} `json:"jobs"`
		} `json:"report"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/runs/"+id, &got))
	assert.Equal(t, "finished", got.Status)
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)
	require.Len(t, got.Report.Jobs, 2)
	assert.Equal(t, "build", got.Report.Jobs[0].ID)
	assert.Equal(t, "succeeded", got.Report.Jobs[1].State)

	var runs []map[string]any
	getJSON(t, ts.URL+"/runs", &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0]["id"])
	assert.NotContains(t, runs[0], "report")

	var verify map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/ledger/verify", &verify))
	assert.Equal(t, true, verify["ok"])
	assert.EqualValues(t, 3, verify["records"])
}

func TestEvent_FailedRunReportsFailure(t *testing.T) {
	s, ts := newTestServer(t, `
on: push
jobs:
  build:
    steps:
      - run: exit 1
`, nil)

	status, out := postEvent(t, ts.URL, `{"kind":"push","branch":"dev"}`)
	require.Equal(t, http.StatusAccepted, status)
	s.Wait()

	var got map[string]any
	getJSON(t, ts.URL+"/runs/"+out["id"].(string), &got)
	assert.Equal(t, "finished", got["status"])
	assert.Equal(t, false, got["success"])
}

func TestEvent_UnresolvableActionRejected(t *testing.T) {
	_, ts := newTestServer(t, `
on: push
jobs:
  a:
    steps:
      - uses: docker://alpine
`, nil)

	status, out := postEvent(t, ts.URL, `{"kind":"push","branch":"main"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, out["error"], "docker://alpine")
}

func TestGetRun_NotFound(t *testing.T) {
	_, ts := newTestServer(t, pipelineYAML, nil)
	var out map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/runs/nope", &out))
}

func TestLedgerVerify_Disabled(t *testing.T) {
	_, ts := newTestServer(t, pipelineYAML, nil)
	var out map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/ledger/verify", &out))
}
