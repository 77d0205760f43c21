package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"blockci/internal/cache"
	"blockci/internal/core"
	"blockci/internal/ctxlog"

	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
)

// Cache restores `path` from the cache before the dependent steps run and
// saves it under `key` after the instance succeeded unless the key was an
// exact hit.
type Cache struct {
	// Store is nil when caching is disabled.
	Store cache.Store
}

func (a *Cache) Run(ctx context.Context, in core.ActionInput) (*core.ActionResult, error) {
	key, path := in.Inputs["key"], in.Inputs["path"]
	if key == "" || path == "" {
		return nil, errors.New("cache: 'key' and 'path' are required")
	}
	if a.Store == nil {
		return &core.ActionResult{
			Outputs: map[string]string{"cache-hit": "false"},
			Log:     "cache disabled\n",
		}, nil
	}

	log := ctxlog.FromContext(ctx).With(zap.String("key", key))
	r := cache.NewResolver(a.Store, osfs.New(in.Workspace))
	res, err := r.Lookup(ctx, key, splitLines(in.Inputs["restore-keys"]), path)
	if err != nil {
		if !errors.Is(err, cache.ErrUnavailable) {
			return nil, err
		}
		log.Warn("cache lookup failed, continuing without cache", zap.Error(err))
	}

	out := &core.ActionResult{
		Outputs: map[string]string{
			"cache-hit":         strconv.FormatBool(res.Hit == cache.HitExact),
			"cache-matched-key": res.Key,
		},
		Log: describe(res, key),
	}
	if res.Hit != cache.HitExact {
		out.Post = func(ctx context.Context) error {
			if err := r.Store(ctx, key, path); err != nil {
				ctxlog.FromContext(ctx).Warn("cache save failed", zap.String("key", key), zap.Error(err))
			}
			return nil
		}
	}
	return out, nil
}

func describe(res cache.LookupResult, key string) string {
	switch res.Hit {
	case cache.HitExact:
		return fmt.Sprintf("cache restored from key: %s\n", key)
	case cache.HitPartial:
		return fmt.Sprintf("cache restored from restore key: %s\n", res.Key)
	}
	return fmt.Sprintf("cache not found for key: %s\n", key)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
