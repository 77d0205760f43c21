// Package config loads blockci settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultPath is looked up when no --config flag is given.
const DefaultPath = ".blockci/config.yaml"

// Config is the root configuration.
type Config struct {
	Pipeline    string          `yaml:"pipeline"`
	Workspace   string          `yaml:"workspace"`
	Concurrency int             `yaml:"concurrency"`
	StepTimeout string          `yaml:"step_timeout"`
	AgentID     string          `yaml:"agent_id"`
	LogsDir     string          `yaml:"logs_dir"`
	Toggles     map[string]bool `yaml:"toggles"`
	Logging     LoggingConfig   `yaml:"logging"`
	Cache       CacheConfig     `yaml:"cache"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Server      ServerConfig    `yaml:"server"`
}

// LoggingConfig selects zap's level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Backend string   `yaml:"backend"` // fs, s3, none
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	KeysDir string `yaml:"keys_dir"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Pipeline:    ".blockci/pipeline.yaml",
		Workspace:   ".",
		Concurrency: 4,
		StepTimeout: "30m",
		AgentID:     "local-agent",
		LogsDir:     ".blockci/logs",
		Toggles:     map[string]bool{"coverage-upload": false},
		Logging:     LoggingConfig{Level: "info", Format: "console"},
		Cache:       CacheConfig{Backend: "fs", Dir: ".blockci/cache", S3: S3Config{Prefix: "blockci/"}},
		Ledger:      LedgerConfig{Enabled: true, Path: ".blockci/ledger.jsonl", KeysDir: ".blockci/keys"},
		Server:      ServerConfig{Addr: ":8080"},
	}
}

// Load reads path over the defaults, applies BLOCKCI_* environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"BLOCKCI_PIPELINE":          &c.Pipeline,
		"BLOCKCI_WORKSPACE":         &c.Workspace,
		"BLOCKCI_STEP_TIMEOUT":      &c.StepTimeout,
		"BLOCKCI_AGENT_ID":          &c.AgentID,
		"BLOCKCI_LOGS_DIR":          &c.LogsDir,
		"BLOCKCI_LOG_LEVEL":         &c.Logging.Level,
		"BLOCKCI_LOG_FORMAT":        &c.Logging.Format,
		"BLOCKCI_CACHE_BACKEND":     &c.Cache.Backend,
		"BLOCKCI_CACHE_DIR":         &c.Cache.Dir,
		"BLOCKCI_CACHE_S3_BUCKET":   &c.Cache.S3.Bucket,
		"BLOCKCI_CACHE_S3_REGION":   &c.Cache.S3.Region,
		"BLOCKCI_CACHE_S3_ENDPOINT": &c.Cache.S3.Endpoint,
		"BLOCKCI_LEDGER_PATH":       &c.Ledger.Path,
		"BLOCKCI_SERVER_ADDR":       &c.Server.Addr,
	}
	for env, dst := range str {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("BLOCKCI_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BLOCKCI_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v := os.Getenv("BLOCKCI_LEDGER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BLOCKCI_LEDGER_ENABLED: %w", err)
		}
		c.Ledger.Enabled = b
	}
	// BLOCKCI_TOGGLES=coverage-upload=true,nightly=false
	if v := os.Getenv("BLOCKCI_TOGGLES"); v != "" {
		if c.Toggles == nil {
			c.Toggles = make(map[string]bool)
		}
		for _, kv := range strings.Split(v, ",") {
			name, val, _ := strings.Cut(strings.TrimSpace(kv), "=")
			if name == "" {
				continue
			}
			b := true
			if val != "" {
				var err error
				if b, err = strconv.ParseBool(val); err != nil {
					return fmt.Errorf("BLOCKCI_TOGGLES %s: %w", name, err)
				}
			}
			c.Toggles[name] = b
		}
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency))
	}
	if _, err := c.StepTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	switch c.Cache.Backend {
	case "none":
	case "fs":
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir is required for the fs backend"))
		}
	case "s3":
		if c.Cache.S3.Bucket == "" {
			errs = append(errs, errors.New("cache.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be fs, s3 or none, got %q", c.Cache.Backend))
	}
	if c.Ledger.Enabled && (c.Ledger.Path == "" || c.Ledger.KeysDir == "") {
		errs = append(errs, errors.New("ledger.path and ledger.keys_dir are required when the ledger is enabled"))
	}
	return errors.Join(errs...)
}

// StepTimeoutDuration parses step_timeout. "0" disables the default bound.
func (c *Config) StepTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.StepTimeout)
	if err != nil {
		return 0, fmt.Errorf("step_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("step_timeout must not be negative, got %s", d)
	}
	return d, nil
}

// Resolve returns p relative to the workspace unless it is absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace, p)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// BuildLogger constructs the zap logger described by the logging section.
func (l LoggingConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if l.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = level > zapcore.DebugLevel
	return zc.Build()
}
