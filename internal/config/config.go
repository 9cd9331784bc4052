package config

// Config represents the engine configuration
type Config struct {
	// Model caller behavior
	ModelCaller ModelCallerConfig `json:"model_caller" mapstructure:"model_caller"`

	// Knowledge base behavior
	Knowledge KnowledgeConfig `json:"knowledge" mapstructure:"knowledge"`

	// Knowledge extraction behavior
	Extraction ExtractionConfig `json:"extraction" mapstructure:"extraction"`

	// Per-model pricing (USD per million tokens)
	Pricing PricingConfig `json:"pricing" mapstructure:"pricing"`

	// Session retention
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ModelCallerConfig holds resilient model caller defaults
type ModelCallerConfig struct {
	MaxRetriesPerModel   int  `json:"max_retries_per_model" mapstructure:"max_retries_per_model"`
	TimeoutPerModelSecs  int  `json:"timeout_per_model_secs" mapstructure:"timeout_per_model_secs"`
	ValidateResponse     bool `json:"validate_response" mapstructure:"validate_response"`
	AutoExtractJSON      bool `json:"auto_extract_json" mapstructure:"auto_extract_json"`
	IntelligentSelection bool `json:"intelligent_selection" mapstructure:"intelligent_selection"`
}

// KnowledgeConfig holds knowledge base defaults
type KnowledgeConfig struct {
	DBPath         string  `json:"db_path" mapstructure:"db_path"`
	EmbedBatchSize int     `json:"embed_batch_size" mapstructure:"embed_batch_size"`
	CacheTTLSecs   int     `json:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	SearchTopK     int     `json:"search_top_k" mapstructure:"search_top_k"`
	SearchMinScore float64 `json:"search_min_score" mapstructure:"search_min_score"`
	ChunkSize      int     `json:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap   int     `json:"chunk_overlap" mapstructure:"chunk_overlap"`
}

// ExtractionConfig holds knowledge extraction defaults
type ExtractionConfig struct {
	MinConfidence       float64 `json:"min_confidence" mapstructure:"min_confidence"`
	MaxEntities         int     `json:"max_entities" mapstructure:"max_entities"`
	SimilarityThreshold float64 `json:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// PricingConfig maps model names to per-million-token rates
type PricingConfig struct {
	// DefaultModel is the pricing row used when a model is unknown
	DefaultModel string                `json:"default_model" mapstructure:"default_model"`
	Models       map[string]ModelRates `json:"models" mapstructure:"models"`
}

// ModelRates holds USD rates per million tokens
type ModelRates struct {
	InputPerMillion  float64 `json:"input_per_million" mapstructure:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" mapstructure:"output_per_million"`
}

// RetentionConfig controls the session retention janitor
type RetentionConfig struct {
	// Cron schedule for the purge job
	Schedule string `json:"schedule" mapstructure:"schedule"`
	// Soft-deleted sessions older than this many days are purged
	PurgeAfterDays int `json:"purge_after_days" mapstructure:"purge_after_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig controls the OpenTelemetry tracer provider
type TracingConfig struct {
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		ModelCaller: ModelCallerConfig{
			MaxRetriesPerModel:   2,
			TimeoutPerModelSecs:  120,
			ValidateResponse:     true,
			AutoExtractJSON:      false,
			IntelligentSelection: true,
		},
		Knowledge: KnowledgeConfig{
			EmbedBatchSize: 10,
			CacheTTLSecs:   3600,
			SearchTopK:     5,
			SearchMinScore: 0.7,
			ChunkSize:      1000,
			ChunkOverlap:   200,
		},
		Extraction: ExtractionConfig{
			MinConfidence:       0.6,
			MaxEntities:         10,
			SimilarityThreshold: 0.8,
		},
		Pricing: PricingConfig{
			DefaultModel: "gpt-4o-mini",
			Models: map[string]ModelRates{
				"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
				"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
				"gpt-4o":                     {InputPerMillion: 2.50, OutputPerMillion: 10.00},
				"gpt-4o-mini":                {InputPerMillion: 0.15, OutputPerMillion: 0.60},
				"o1":                         {InputPerMillion: 15.00, OutputPerMillion: 60.00},
			},
		},
		Retention: RetentionConfig{
			Schedule:       "0 3 * * *",
			PurgeAfterDays: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "arlo",
			SampleRatio: 1,
		},
	}
}
