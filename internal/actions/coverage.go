package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"blockci/internal/core"
	"blockci/internal/ctxlog"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// DefaultCoverageTarget is used when a step names no `url`.
const DefaultCoverageTarget = "https://codecov.io/upload/v2"

var defaultReports = []string{"coverage.xml", "coverage.out", "cover.out", "lcov.info"}

// Upload describes one coverage report sent to a target.
type Upload struct {
	Target string
	Token  string
	Name   string
	Flags  string
	Commit string
	Branch string
	Report string // workspace-relative path
}

// Uploader sends a report to a coverage service.
type Uploader interface {
	Upload(ctx context.Context, u Upload, report io.Reader) error
}

// HTTPUploader posts reports as the request body.
type HTTPUploader struct {
	Client *http.Client
}

func (h HTTPUploader) Upload(ctx context.Context, u Upload, report io.Reader) error {
	target, err := url.Parse(u.Target)
	if err != nil {
		return fmt.Errorf("coverage target: %w", err)
	}
	q := target.Query()
	for k, v := range map[string]string{"name": u.Name, "flags": u.Flags, "commit": u.Commit, "branch": u.Branch} {
		if v != "" {
			q.Set(k, v)
		}
	}
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), report)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	if u.Token != "" {
		req.Header.Set("Authorization", "token "+u.Token)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("coverage upload %s: %s: %s", u.Report, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// CoverageUpload sends coverage reports found in the workspace. Upload
// failures only fail the step when `fail_ci_if_error` is true.
type CoverageUpload struct {
	Uploader Uploader
}

func (a *CoverageUpload) Run(ctx context.Context, in core.ActionInput) (*core.ActionResult, error) {
	strict, _ := strconv.ParseBool(in.Inputs["fail_ci_if_error"])
	log := ctxlog.FromContext(ctx)

	reports, err := findReports(in.Workspace, in.Inputs["file"], in.Inputs["files"])
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		if strict {
			return nil, errors.New("coverage-upload: no coverage report found")
		}
		return &core.ActionResult{
			Outputs: map[string]string{"uploaded": "0"},
			Log:     "no coverage report found, nothing uploaded\n",
		}, nil
	}

	target := in.Inputs["url"]
	if target == "" {
		target = DefaultCoverageTarget
	}
	var b strings.Builder
	uploaded := 0
	for _, rel := range reports {
		u := Upload{
			Target: target,
			Token:  in.Inputs["token"],
			Name:   in.Inputs["name"],
			Flags:  in.Inputs["flags"],
			Commit: in.Inputs["commit"],
			Branch: in.Inputs["branch"],
			Report: rel,
		}
		if err := a.upload(ctx, in.Workspace, u); err != nil {
			if strict {
				return &core.ActionResult{Log: b.String()}, err
			}
			log.Warn("coverage upload failed", zap.String("report", rel), zap.Error(err))
			fmt.Fprintf(&b, "upload of %s failed: %v\n", rel, err)
			continue
		}
		uploaded++
		fmt.Fprintf(&b, "uploaded %s to %s\n", rel, target)
	}
	return &core.ActionResult{
		Outputs: map[string]string{"uploaded": strconv.Itoa(uploaded)},
		Log:     b.String(),
	}, nil
}

func (a *CoverageUpload) upload(ctx context.Context, workspace string, u Upload) error {
	f, err := os.Open(filepath.Join(workspace, filepath.FromSlash(u.Report)))
	if err != nil {
		return err
	}
	defer f.Close()
	up := a.Uploader
	if up == nil {
		up = HTTPUploader{}
	}
	return up.Upload(ctx, u, f)
}

// findReports resolves `file` and comma-separated `files` patterns, or the
// default report names, against the workspace.
func findReports(workspace, file, files string) ([]string, error) {
	var patterns []string
	if file != "" {
		patterns = append(patterns, file)
	}
	for _, p := range strings.Split(files, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		patterns = defaultReports
	}

	fsys := os.DirFS(workspace)
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(p), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("coverage-upload: pattern %q: %w", p, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}
