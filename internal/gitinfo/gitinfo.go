// Package gitinfo reads the checked-out state of a local repository.
package gitinfo

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
)

// ErrDetachedHead is returned when HEAD does not point at a branch.
var ErrDetachedHead = errors.New("HEAD is detached")

// Head describes the current checkout.
type Head struct {
	Branch string
	Commit string
}

// ReadHead opens the repository containing dir, searching parent
// directories for .git.
func ReadHead(dir string) (*Head, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", dir, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	h := &Head{Commit: ref.Hash().String()}
	if ref.Name().IsBranch() {
		h.Branch = ref.Name().Short()
	}
	return h, nil
}

// CurrentBranch returns the short name of the checked-out branch.
func CurrentBranch(dir string) (string, error) {
	h, err := ReadHead(dir)
	if err != nil {
		return "", err
	}
	if h.Branch == "" {
		return "", ErrDetachedHead
	}
	return h.Branch, nil
}
