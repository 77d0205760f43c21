package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
)

// Resolver restores and saves directories of one workspace.
type Resolver struct {
	store Store
	ws    billy.Filesystem
}

// NewResolver binds store to the workspace filesystem ws. Paths passed to
// Lookup and Store are relative to ws.
func NewResolver(store Store, ws billy.Filesystem) *Resolver {
	return &Resolver{store: store, ws: ws}
}

// Lookup restores path from the exact key or, failing that, from the
// newest entry matching the first restore key that matches anything.
// Store failures are returned wrapped in ErrUnavailable together with a
// Miss result.
func (r *Resolver) Lookup(ctx context.Context, key string, restoreKeys []string, path string) (LookupResult, error) {
	miss := LookupResult{Hit: Miss, Path: path}

	ok, err := r.restore(ctx, key, path)
	if err != nil {
		return miss, err
	}
	if ok {
		return LookupResult{Hit: HitExact, Key: key, Path: path}, nil
	}

	for _, prefix := range restoreKeys {
		if prefix == "" {
			continue
		}
		entries, err := r.store.List(ctx, prefix)
		if err != nil {
			return miss, fmt.Errorf("%w: list %q: %v", ErrUnavailable, prefix, err)
		}
		best, found := latest(entries)
		if !found {
			continue
		}
		ok, err := r.restore(ctx, best.Key, path)
		if err != nil {
			return miss, err
		}
		if ok {
			return LookupResult{Hit: HitPartial, Key: best.Key, Path: path}, nil
		}
	}
	return miss, nil
}

func (r *Resolver) restore(ctx context.Context, key, path string) (bool, error) {
	rc, err := r.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}
	defer rc.Close()
	if err := extractArchive(r.ws, path, rc); err != nil {
		return false, fmt.Errorf("%w: restore %q: %v", ErrUnavailable, key, err)
	}
	return true, nil
}

// Store archives path and saves it under key.
func (r *Resolver) Store(ctx context.Context, key, path string) error {
	if _, err := r.ws.Stat(path); err != nil {
		return fmt.Errorf("cache path %s: %w", path, err)
	}
	tmp, err := os.CreateTemp("", "blockci-cache-*.tar.zst")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := writeArchive(r.ws, path, tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := r.store.Put(ctx, key, tmp); err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrUnavailable, key, err)
	}
	return nil
}
