package config

// Config represents the persistent engram configuration stored as config.toml
// in the .engram/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Storage     StorageConfig     `toml:"storage"`
	API         APIConfig         `toml:"api"`
	VectorStore VectorStoreConfig `toml:"vector_store"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	Extraction  ExtractionConfig  `toml:"extraction"`
	Novelty     NoveltyConfig     `toml:"novelty"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Recall      RecallConfig      `toml:"recall"`
	Audit       AuditConfig       `toml:"audit"`
}

// StorageConfig holds graph and queue storage settings.
type StorageConfig struct {
	// Provider selects the graph backend: sqlite or postgres.
	Provider string `toml:"provider,omitempty"`

	// SQLitePath is the graph database file. The queue and audit log live
	// beside it.
	SQLitePath string `toml:"sqlite_path,omitempty"`

	// PostgresDSN is used when provider is postgres.
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// VectorStoreConfig holds vector index settings.
type VectorStoreConfig struct {
	// Provider selects the index backend: sqlite or qdrant.
	Provider string `toml:"provider,omitempty"`

	// Target is the qdrant host:port when provider is qdrant.
	Target string `toml:"target,omitempty"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Target     string `toml:"target,omitempty"`
	Model      string `toml:"model,omitempty"`
	Dimensions uint   `toml:"dimensions,omitempty"`
}

// ExtractionConfig holds extraction provider settings.
type ExtractionConfig struct {
	Target string `toml:"target,omitempty"`
	Model  string `toml:"model,omitempty"`
}

// NoveltyConfig holds classifier thresholds.
type NoveltyConfig struct {
	EntityMatchThreshold       float64 `toml:"entity_match_threshold,omitempty"`
	SemanticDuplicateThreshold float64 `toml:"semantic_duplicate_threshold,omitempty"`
	ImmediateScoreFloor        float64 `toml:"immediate_score_floor,omitempty"`
}

// SchedulerConfig holds write-path settings.
type SchedulerConfig struct {
	MaxWriteAttempts int    `toml:"max_write_attempts,omitempty"`
	DrainBatchSize   int    `toml:"drain_batch_size,omitempty"`
	DrainInterval    string `toml:"drain_interval,omitempty"`
}

// RecallConfig holds retrieval settings.
type RecallConfig struct {
	HopRadius          int     `toml:"hop_radius,omitempty"`
	TopK               int     `toml:"top_k,omitempty"`
	SubSearchTimeoutMS int     `toml:"sub_search_timeout_ms,omitempty"`
	GraphWeight        float64 `toml:"graph_weight,omitempty"`
	VectorWeight       float64 `toml:"vector_weight,omitempty"`
	KeywordWeight      float64 `toml:"keyword_weight,omitempty"`
}

// AuditConfig holds audit fan-out settings. The audit log itself is always
// on; Kafka publishing is opt-in.
type AuditConfig struct {
	KafkaBrokers []string `toml:"kafka_brokers,omitempty"`
	KafkaTopic   string   `toml:"kafka_topic,omitempty"`
}
