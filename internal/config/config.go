// Package config loads the orchestrator configuration from foreman.yaml.
// Keys are snake_case; the dotted camelCase aliases from earlier releases
// are accepted and normalized onto the canonical fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultMaxAutoHealPerPhase bounds auto-heal attempts per failed phase.
const DefaultMaxAutoHealPerPhase = 4

// DefaultGlobalMaxParallel bounds concurrently running work-performing
// nodes across all plans.
const DefaultGlobalMaxParallel = 4

// AutoHealConfig controls the bounded AI-assisted recovery policy.
type AutoHealConfig struct {
	// MaxAttempts is the per-phase auto-heal budget.
	MaxAttempts int `yaml:"max_attempts"`
}

// SetupConfig controls the setup phase's context projection.
type SetupConfig struct {
	// ProjectWorktreeContext includes the worktree path in the context
	// skill written into each worktree.
	ProjectWorktreeContext bool `yaml:"project_worktree_context"`
}

// HistoryConfig controls the SQLite run-history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// Config is the loaded orchestrator configuration.
type Config struct {
	AutoHeal              AutoHealConfig `yaml:"auto_heal"`
	Setup                 SetupConfig    `yaml:"setup"`
	History               HistoryConfig  `yaml:"history"`
	MaxParallel           int            `yaml:"max_parallel"`
	CleanUpSuccessfulWork bool           `yaml:"clean_up_successful_work"`
	PushOnSuccess         bool           `yaml:"push_on_success"`
	LogLevel              string         `yaml:"log_level"`
	StoragePath           string         `yaml:"storage_path"`
	AgentBin              string         `yaml:"agent_bin"`

	// WorktreeSymlinkDirs are repository directories symlinked into each
	// fresh worktree (dependency trees, build caches) instead of being
	// recreated per job.
	WorktreeSymlinkDirs []string `yaml:"worktree_symlink_dirs"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		AutoHeal:    AutoHealConfig{MaxAttempts: DefaultMaxAutoHealPerPhase},
		Setup:       SetupConfig{ProjectWorktreeContext: true},
		History:     HistoryConfig{Enabled: true},
		MaxParallel: DefaultGlobalMaxParallel,
		LogLevel:    "info",
	}
}

// Load reads the configuration file at path. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyPaths(filepath.Dir(path))
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Decode into a generic map first so legacy dotted keys can be
	// folded in before the typed decode.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyLegacyKeys(raw)

	normalized, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: normalize %s: %w", path, err)
	}
	if err := yaml.Unmarshal(normalized, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if cfg.AutoHeal.MaxAttempts <= 0 {
		cfg.AutoHeal.MaxAttempts = DefaultMaxAutoHealPerPhase
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultGlobalMaxParallel
	}
	cfg.applyPaths(filepath.Dir(path))
	return cfg, nil
}

// applyPaths fills in storage-relative defaults.
func (c *Config) applyPaths(baseDir string) {
	if c.StoragePath == "" {
		c.StoragePath = filepath.Join(baseDir, ".foreman", "plans")
	}
	if c.History.DBPath == "" {
		c.History.DBPath = filepath.Join(baseDir, ".foreman", "history.db")
	}
}

// legacyKeys maps the dotted configuration names from the original
// orchestrator surface onto canonical snake_case paths.
var legacyKeys = map[string][]string{
	"copilotOrchestrator.autoHeal.maxAttempts":         {"auto_heal", "max_attempts"},
	"copilotOrchestrator.setup.projectWorktreeContext": {"setup", "project_worktree_context"},
	"copilotOrchestrator.maxParallel":                  {"max_parallel"},
	"copilotOrchestrator.cleanUpSuccessfulWork":        {"clean_up_successful_work"},
	"copilotOrchestrator.pushOnSuccess":                {"push_on_success"},
}

func applyLegacyKeys(raw map[string]interface{}) {
	for legacy, path := range legacyKeys {
		value, ok := raw[legacy]
		if !ok {
			continue
		}
		delete(raw, legacy)
		setPath(raw, path, coerce(value))
	}
}

func setPath(raw map[string]interface{}, path []string, value interface{}) {
	current := raw
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[key] = next
		}
		current = next
	}
	leaf := path[len(path)-1]
	if _, exists := current[leaf]; !exists {
		current[leaf] = value
	}
}

// coerce converts stringly-typed legacy values to their natural types.
func coerce(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
