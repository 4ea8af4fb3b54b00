package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found in the resolved config directory), and binds environment
// variables with the ENGRAM_ prefix.
//
// Config precedence (highest to lowest):
//  1. Environment variables (ENGRAM_API_LISTEN, ENGRAM_STORAGE_SQLITE_PATH, etc.)
//  2. config.toml file values
//  3. Defaults from NewDefaultConfig()
func InitViper(override string) (*viper.Viper, error) {
	v := viper.New()

	setViperDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")

	dir, err := ResolveDir(override)
	if err != nil {
		return nil, err
	}
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Storage
	v.SetDefault("storage.provider", d.Storage.Provider)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)

	// API
	v.SetDefault("api.listen", d.API.Listen)

	// Vector store
	v.SetDefault("vector_store.provider", d.VectorStore.Provider)
	v.SetDefault("vector_store.target", d.VectorStore.Target)

	// Embedding
	v.SetDefault("embedding.target", d.Embedding.Target)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)

	// Extraction
	v.SetDefault("extraction.target", d.Extraction.Target)
	v.SetDefault("extraction.model", d.Extraction.Model)

	// Novelty
	v.SetDefault("novelty.entity_match_threshold", d.Novelty.EntityMatchThreshold)
	v.SetDefault("novelty.semantic_duplicate_threshold", d.Novelty.SemanticDuplicateThreshold)
	v.SetDefault("novelty.immediate_score_floor", d.Novelty.ImmediateScoreFloor)

	// Scheduler
	v.SetDefault("scheduler.max_write_attempts", d.Scheduler.MaxWriteAttempts)
	v.SetDefault("scheduler.drain_batch_size", d.Scheduler.DrainBatchSize)
	v.SetDefault("scheduler.drain_interval", d.Scheduler.DrainInterval)

	// Recall
	v.SetDefault("recall.hop_radius", d.Recall.HopRadius)
	v.SetDefault("recall.top_k", d.Recall.TopK)
	v.SetDefault("recall.sub_search_timeout_ms", d.Recall.SubSearchTimeoutMS)
	v.SetDefault("recall.graph_weight", d.Recall.GraphWeight)
	v.SetDefault("recall.vector_weight", d.Recall.VectorWeight)
	v.SetDefault("recall.keyword_weight", d.Recall.KeywordWeight)

	// Audit
	v.SetDefault("audit.kafka_brokers", d.Audit.KafkaBrokers)
	v.SetDefault("audit.kafka_topic", d.Audit.KafkaTopic)
}

// FromViper materializes a Config from the viper instance so components can
// take plain structs instead of a viper handle.
func FromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Version: v.GetInt("version"),
		Storage: StorageConfig{
			Provider:    v.GetString("storage.provider"),
			SQLitePath:  v.GetString("storage.sqlite_path"),
			PostgresDSN: v.GetString("storage.postgres_dsn"),
		},
		API: APIConfig{
			Listen: v.GetString("api.listen"),
		},
		VectorStore: VectorStoreConfig{
			Provider: v.GetString("vector_store.provider"),
			Target:   v.GetString("vector_store.target"),
		},
		Embedding: EmbeddingConfig{
			Target:     v.GetString("embedding.target"),
			Model:      v.GetString("embedding.model"),
			Dimensions: v.GetUint("embedding.dimensions"),
		},
		Extraction: ExtractionConfig{
			Target: v.GetString("extraction.target"),
			Model:  v.GetString("extraction.model"),
		},
		Novelty: NoveltyConfig{
			EntityMatchThreshold:       v.GetFloat64("novelty.entity_match_threshold"),
			SemanticDuplicateThreshold: v.GetFloat64("novelty.semantic_duplicate_threshold"),
			ImmediateScoreFloor:        v.GetFloat64("novelty.immediate_score_floor"),
		},
		Scheduler: SchedulerConfig{
			MaxWriteAttempts: v.GetInt("scheduler.max_write_attempts"),
			DrainBatchSize:   v.GetInt("scheduler.drain_batch_size"),
			DrainInterval:    v.GetString("scheduler.drain_interval"),
		},
		Recall: RecallConfig{
			HopRadius:          v.GetInt("recall.hop_radius"),
			TopK:               v.GetInt("recall.top_k"),
			SubSearchTimeoutMS: v.GetInt("recall.sub_search_timeout_ms"),
			GraphWeight:        v.GetFloat64("recall.graph_weight"),
			VectorWeight:       v.GetFloat64("recall.vector_weight"),
			KeywordWeight:      v.GetFloat64("recall.keyword_weight"),
		},
		Audit: AuditConfig{
			KafkaBrokers: v.GetStringSlice("audit.kafka_brokers"),
			KafkaTopic:   v.GetString("audit.kafka_topic"),
		},
	}
	return cfg
}
