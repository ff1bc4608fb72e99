// Package config provides configuration loading for recalld.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "RECALLD_"
)

// Load loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (RECALLD_CACHE_L1_CAPACITY, ...)
//  2. YAML config file (~/.config/recalld/config.yaml by default)
//  3. Defaults
//
// The config file must live under ~/.config/recalld/ or /etc/recalld/
// with 0600 or 0400 permissions; anything else is rejected.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "recalld", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// stat/open race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment override: RECALLD_SECTION_FIELD_NAME -> section.field_name.
	// The section is the first underscore-delimited token after the prefix;
	// remaining underscores belong to the field name.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the default configuration without touching the
// filesystem or environment.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// validateConfigPath checks that path is in an allowed directory. Runs
// even if the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Path may not exist yet; validate the literal path.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "recalld"),
		"/etc/recalld",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/recalld/ or /etc/recalld/")
}

// validateConfigFileProperties checks permissions and size of an existing
// config file.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.RecordStore.Provider == "" {
		cfg.RecordStore.Provider = "sqlite"
	}
	if cfg.RecordStore.Path == "" {
		cfg.RecordStore.Path = "~/.local/share/recalld/reflections.db"
	}
	if cfg.RecordStore.VectorSize == 0 {
		cfg.RecordStore.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Cache.L1Capacity == 0 {
		cfg.Cache.L1Capacity = 1000
	}
	if cfg.Cache.L2Capacity == 0 {
		cfg.Cache.L2Capacity = 50000
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 15 * time.Minute
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = time.Minute
	}
	if cfg.Cache.GraceWindow == 0 {
		cfg.Cache.GraceWindow = 100 * time.Millisecond
	}

	if cfg.Fingerprint.ShingleSize == 0 {
		cfg.Fingerprint.ShingleSize = 3
	}
	if cfg.Fingerprint.DuplicateThreshold == 0 {
		cfg.Fingerprint.DuplicateThreshold = 0.85
	}

	if cfg.Cluster.AssignmentThreshold == 0 {
		cfg.Cluster.AssignmentThreshold = 0.35
	}
	if cfg.Cluster.MergeThreshold == 0 {
		cfg.Cluster.MergeThreshold = 0.15
	}
	if cfg.Cluster.SplitVariance == 0 {
		cfg.Cluster.SplitVariance = 0.25
	}
	if cfg.Cluster.DecayWindow == 0 {
		cfg.Cluster.DecayWindow = 30 * 24 * time.Hour
	}

	if cfg.Search.MinResults == 0 {
		cfg.Search.MinResults = 3
	}
	if cfg.Search.Tier0Threshold == 0 {
		cfg.Search.Tier0Threshold = 0.5
	}
	if cfg.Search.Tier1Threshold == 0 {
		cfg.Search.Tier1Threshold = 0.6
	}
	if cfg.Search.Tier2Threshold == 0 {
		cfg.Search.Tier2Threshold = 0.4
	}
	if cfg.Search.TierTimeout == 0 {
		cfg.Search.TierTimeout = 2 * time.Second
	}
	if cfg.Search.OverallTimeout == 0 {
		cfg.Search.OverallTimeout = 10 * time.Second
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}

	if cfg.Write.DuplicatePolicy == "" {
		cfg.Write.DuplicatePolicy = "reject"
	}

	cfg.RecordStore.Path = expandHome(cfg.RecordStore.Path)
	cfg.Cache.L2Path = expandHome(cfg.Cache.L2Path)
	cfg.Embeddings.CacheDir = expandHome(cfg.Embeddings.CacheDir)
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
