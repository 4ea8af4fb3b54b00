package config

const (
	defaultStorageProvider = "sqlite"
	defaultSQLitePath      = "engram.db"

	defaultAPIListen = ":8090"

	defaultVectorProvider = "sqlite"

	defaultOllamaTarget        = "http://localhost:11434"
	defaultEmbeddingModel      = "nomic-embed-text"
	defaultEmbeddingDimensions = 768
	defaultExtractionModel     = "llama3.2"

	defaultAuditTopic = "engram.audit"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Provider:   defaultStorageProvider,
			SQLitePath: defaultSQLitePath,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		VectorStore: VectorStoreConfig{
			Provider: defaultVectorProvider,
		},
		Embedding: EmbeddingConfig{
			Target:     defaultOllamaTarget,
			Model:      defaultEmbeddingModel,
			Dimensions: defaultEmbeddingDimensions,
		},
		Extraction: ExtractionConfig{
			Target: defaultOllamaTarget,
			Model:  defaultExtractionModel,
		},
		Novelty: NoveltyConfig{
			EntityMatchThreshold:       0.92,
			SemanticDuplicateThreshold: 0.5,
			ImmediateScoreFloor:        0.85,
		},
		Scheduler: SchedulerConfig{
			MaxWriteAttempts: 3,
			DrainBatchSize:   50,
			DrainInterval:    "30s",
		},
		Recall: RecallConfig{
			HopRadius:          1,
			TopK:               10,
			SubSearchTimeoutMS: 30,
			GraphWeight:        0.5,
			VectorWeight:       0.35,
			KeywordWeight:      0.15,
		},
		Audit: AuditConfig{
			KafkaTopic: defaultAuditTopic,
		},
	}
}
