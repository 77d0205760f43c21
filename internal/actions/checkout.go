package actions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"blockci/internal/core"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Checkout makes source available in the workspace. Without a
// `repository` input it verifies the workspace is already a checkout and
// reports its HEAD; with one it clones into `path`.
type Checkout struct{}

func (Checkout) Run(ctx context.Context, in core.ActionInput) (*core.ActionResult, error) {
	url := in.Inputs["repository"]
	if url == "" {
		repo, err := git.PlainOpenWithOptions(in.Workspace, &git.PlainOpenOptions{DetectDotGit: true})
		if err != nil {
			return nil, fmt.Errorf("checkout: open workspace: %w", err)
		}
		return headResult(repo, "using existing checkout at "+in.Workspace)
	}

	dest := in.Workspace
	if p := in.Inputs["path"]; p != "" {
		if filepath.IsAbs(p) {
			return nil, errors.New("checkout: path must be relative to the workspace")
		}
		dest = filepath.Join(in.Workspace, p)
	}
	opts := &git.CloneOptions{URL: url}
	if ref := in.Inputs["ref"]; ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		opts.SingleBranch = true
	}
	if d := in.Inputs["fetch-depth"]; d != "" && d != "0" {
		depth, err := strconv.Atoi(d)
		if err != nil || depth < 0 {
			return nil, fmt.Errorf("checkout: invalid fetch-depth %q", d)
		}
		opts.Depth = depth
	}
	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return nil, fmt.Errorf("checkout: clone %s: %w", url, err)
	}
	return headResult(repo, "cloned "+url+" into "+dest)
}

func headResult(repo *git.Repository, msg string) (*core.ActionResult, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("checkout: resolve HEAD: %w", err)
	}
	ref := head.Name().Short()
	if !head.Name().IsBranch() {
		ref = head.Hash().String()
	}
	return &core.ActionResult{
		Outputs: map[string]string{"ref": ref, "commit": head.Hash().String()},
		Log:     fmt.Sprintf("%s (%s at %s)\n", msg, ref, head.Hash()),
	}, nil
}
