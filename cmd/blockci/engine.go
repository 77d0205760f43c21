package main

import (
	"context"
	"fmt"
	"path/filepath"

	"blockci/internal/actions"
	"blockci/internal/cache"
	"blockci/internal/config"
	"blockci/internal/core"
	"blockci/internal/ledger"
	"blockci/internal/security"
	"blockci/internal/storage"

	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
)

// engine is the runner and its collaborators built from config.
type engine struct {
	runner *core.Runner
	ledger *ledger.Ledger
}

func newCacheStore(ctx context.Context, c *config.Config) (cache.Store, error) {
	switch c.Cache.Backend {
	case "fs":
		return cache.NewFSStore(osfs.New(c.Resolve(c.Cache.Dir))), nil
	case "s3":
		client, err := cache.NewS3Client(ctx, cache.S3Options{
			Bucket:    c.Cache.S3.Bucket,
			Prefix:    c.Cache.S3.Prefix,
			Region:    c.Cache.S3.Region,
			Endpoint:  c.Cache.S3.Endpoint,
			PathStyle: c.Cache.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return cache.NewS3Store(client, c.Cache.S3.Bucket, c.Cache.S3.Prefix), nil
	}
	return nil, nil
}

// openLedger opens the configured ledger, generating signing keys on first use.
func openLedger(c *config.Config) (*ledger.Ledger, error) {
	signer, err := security.EnsureSigner(c.Resolve(c.Ledger.KeysDir))
	if err != nil {
		return nil, fmt.Errorf("ledger keys: %w", err)
	}
	path := c.Resolve(c.Ledger.Path)
	return ledger.Open(osfs.New(filepath.Dir(path)), filepath.Base(path), signer, c.AgentID)
}

func newEngine(ctx context.Context, c *config.Config) (*engine, error) {
	ws, err := filepath.Abs(c.Workspace)
	if err != nil {
		return nil, err
	}
	c.Workspace = ws

	store, err := newCacheStore(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	stepTimeout, err := c.StepTimeoutDuration()
	if err != nil {
		return nil, err
	}

	registry := actions.Builtin(store)
	exec := core.NewExecutor(registry, actions.NewShell())
	exec.StepTimeout = stepTimeout

	opts := []core.Option{
		core.WithConcurrency(c.Concurrency),
		core.WithToggles(c.Toggles),
		core.WithWorkspace(ws),
		core.WithLogStorage(storage.NewLogStorage(osfs.New(c.Resolve(c.LogsDir)))),
	}
	e := &engine{}
	if c.Ledger.Enabled {
		if e.ledger, err = openLedger(c); err != nil {
			return nil, err
		}
		opts = append(opts, core.WithLedger(e.ledger))
	}
	e.runner = core.NewRunner(exec, opts...)

	logger.Debug("engine ready",
		zap.String("workspace", ws),
		zap.String("cache", c.Cache.Backend),
		zap.Bool("ledger", c.Ledger.Enabled),
		zap.Int("concurrency", c.Concurrency),
		zap.Strings("actions", registry.Names()))
	return e, nil
}

// pipelinePath returns the first argument or the configured pipeline.
func pipelinePath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.Resolve(cfg.Pipeline)
}
