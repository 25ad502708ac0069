// Package config loads rewind settings from a project's .rewind.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bazelment/yoloswe/rewind/engine"
)

// FileName is the per-project config file.
const FileName = ".rewind.yaml"

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreJSON   = "json"
)

// EngineConfig overrides how one engine is launched.
type EngineConfig struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
}

// Config holds project settings.
type Config struct {
	Engines map[string]EngineConfig `yaml:"engines"`
	// DataDir holds the stores and logs. Relative paths are resolved
	// against the project directory.
	DataDir string `yaml:"data_dir"`
	Store   string `yaml:"store"`
	// DefaultEngine is used when a command does not name one.
	DefaultEngine    string        `yaml:"default_engine"`
	MatchTimeout     time.Duration `yaml:"match_timeout"`
	IdentityGrace    time.Duration `yaml:"identity_grace"`
	ResultFallback   time.Duration `yaml:"result_fallback"`
	CancelGrace      time.Duration `yaml:"cancel_grace"`
	DedupeWindow     int           `yaml:"dedupe_window"`
	DisableSnapshots bool          `yaml:"disable_snapshots"`
}

// Default returns the settings used when no file exists.
func Default() *Config {
	return &Config{
		DataDir:       ".rewind",
		Store:         StoreSQLite,
		DefaultEngine: string(engine.Claude),
	}
}

// Load reads the config at path. A missing file yields Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = ".rewind"
	}
	if len(cfg.Engines) > 0 {
		norm := make(map[string]EngineConfig, len(cfg.Engines))
		for name, ec := range cfg.Engines {
			norm[strings.ToLower(strings.TrimSpace(name))] = ec
		}
		cfg.Engines = norm
	}
	if cfg.Store == "" {
		cfg.Store = StoreSQLite
	}
	if cfg.DefaultEngine == "" {
		cfg.DefaultEngine = string(engine.Claude)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadProject loads <dir>/.rewind.yaml and resolves DataDir against dir.
func LoadProject(dir string) (*Config, error) {
	cfg, err := Load(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(dir, cfg.DataDir)
	}
	return cfg, nil
}

// Validate checks names and ranges.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StoreJSON:
	default:
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreSQLite, StoreJSON)
	}
	if _, err := engine.ParseID(c.DefaultEngine); err != nil {
		return fmt.Errorf("default_engine: %w", err)
	}
	for name := range c.Engines {
		if _, err := engine.ParseID(name); err != nil {
			return fmt.Errorf("engines: %w", err)
		}
	}
	if c.DedupeWindow < 0 {
		return fmt.Errorf("dedupe_window must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"match_timeout":   c.MatchTimeout,
		"identity_grace":  c.IdentityGrace,
		"result_fallback": c.ResultFallback,
		"cancel_grace":    c.CancelGrace,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// EngineOptions returns adapter options for id.
func (c *Config) EngineOptions(id engine.ID) []engine.Option {
	var opts []engine.Option
	if c.CancelGrace > 0 {
		opts = append(opts, engine.WithCancelGrace(c.CancelGrace))
	}
	ec, ok := c.Engines[string(id)]
	if !ok {
		return opts
	}
	if ec.Binary != "" {
		opts = append(opts, engine.WithBinary(ec.Binary))
	}
	if len(ec.Args) > 0 {
		opts = append(opts, engine.WithExtraArgs(ec.Args...))
	}
	return opts
}

// DatabasePath is the SQLite database file.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "rewind.db") }

// CheckpointDir is where the JSON store keeps checkpoints.
func (c *Config) CheckpointDir() string { return filepath.Join(c.DataDir, "checkpoints") }

// ChangesDir is where the JSON store keeps file changes.
func (c *Config) ChangesDir() string { return filepath.Join(c.DataDir, "changes") }

// LogDir holds log files.
func (c *Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }
