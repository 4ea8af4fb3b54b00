// Package config loads and persists the engram configuration. Values layer
// in the usual precedence: flags over environment over config.toml over
// defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	configFile = "config.toml"
	configDir  = ".engram"

	// v0 is the alpha version of the config
	v0 = 0

	// CurrentV is the currently supported version, points to v0
	CurrentV = v0
)

// ResolveDir returns the configuration directory: the override when given,
// otherwise $HOME/.engram.
func ResolveDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, configDir), nil
}

// Load reads config.toml from the resolved directory. A missing file yields
// the defaults; fields explicitly set in the file override them.
func Load(override string) (*Config, error) {
	dir, err := ResolveDir(override)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := ParseConfigTOML(data)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Save persists the configuration to config.toml, creating the directory
// when needed.
func Save(override string, cfg *Config) error {
	if cfg == nil {
		return errors.New("cannot save nil config")
	}

	dir, err := ResolveDir(override)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, configFile), buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ParseConfigTOML parses raw TOML bytes into a Config.
// Returns an error if the version field is present and not equal to CurrentV.
func ParseConfigTOML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config TOML: %w", err)
	}

	if cfg.Version != 0 && cfg.Version != CurrentV {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentV)
	}

	return cfg, nil
}

// applyDefaults fills zero-value fields in cfg with values from NewDefaultConfig().
func applyDefaults(cfg *Config) {
	defaults := NewDefaultConfig()

	if cfg.Version == 0 {
		cfg.Version = defaults.Version
	}

	if cfg.Storage.Provider == "" {
		cfg.Storage.Provider = defaults.Storage.Provider
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = defaults.VectorStore.Provider
	}

	if cfg.Embedding.Target == "" {
		cfg.Embedding.Target = defaults.Embedding.Target
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = defaults.Embedding.Model
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = defaults.Embedding.Dimensions
	}

	if cfg.Extraction.Target == "" {
		cfg.Extraction.Target = defaults.Extraction.Target
	}
	if cfg.Extraction.Model == "" {
		cfg.Extraction.Model = defaults.Extraction.Model
	}

	if cfg.Novelty.EntityMatchThreshold == 0 {
		cfg.Novelty.EntityMatchThreshold = defaults.Novelty.EntityMatchThreshold
	}
	if cfg.Novelty.SemanticDuplicateThreshold == 0 {
		cfg.Novelty.SemanticDuplicateThreshold = defaults.Novelty.SemanticDuplicateThreshold
	}
	if cfg.Novelty.ImmediateScoreFloor == 0 {
		cfg.Novelty.ImmediateScoreFloor = defaults.Novelty.ImmediateScoreFloor
	}

	if cfg.Scheduler.MaxWriteAttempts == 0 {
		cfg.Scheduler.MaxWriteAttempts = defaults.Scheduler.MaxWriteAttempts
	}
	if cfg.Scheduler.DrainBatchSize == 0 {
		cfg.Scheduler.DrainBatchSize = defaults.Scheduler.DrainBatchSize
	}
	if cfg.Scheduler.DrainInterval == "" {
		cfg.Scheduler.DrainInterval = defaults.Scheduler.DrainInterval
	}

	if cfg.Recall.HopRadius == 0 {
		cfg.Recall.HopRadius = defaults.Recall.HopRadius
	}
	if cfg.Recall.TopK == 0 {
		cfg.Recall.TopK = defaults.Recall.TopK
	}
	if cfg.Recall.SubSearchTimeoutMS == 0 {
		cfg.Recall.SubSearchTimeoutMS = defaults.Recall.SubSearchTimeoutMS
	}
	if cfg.Recall.GraphWeight == 0 {
		cfg.Recall.GraphWeight = defaults.Recall.GraphWeight
	}
	if cfg.Recall.VectorWeight == 0 {
		cfg.Recall.VectorWeight = defaults.Recall.VectorWeight
	}
	if cfg.Recall.KeywordWeight == 0 {
		cfg.Recall.KeywordWeight = defaults.Recall.KeywordWeight
	}

	if cfg.Audit.KafkaTopic == "" {
		cfg.Audit.KafkaTopic = defaults.Audit.KafkaTopic
	}
}
