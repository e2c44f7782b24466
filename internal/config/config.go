package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm" validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue" validate:"required"`
	Training  TrainingConfig  `mapstructure:"training" validate:"required"`
	Quota     QuotaConfig     `mapstructure:"quota" validate:"required"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Sources   SourcesConfig   `mapstructure:"sources" validate:"required"`
	Sink      SinkConfig      `mapstructure:"sink" validate:"required"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" validate:"required,url"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=1"`
}

// LLMConfig contains the paragraph segmentation model settings.
type LLMConfig struct {
	// GeminiAPIKey is only needed when features.paragraph_ai is on.
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	ModelName    string        `mapstructure:"model_name" validate:"required"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	// MaxChunkSize is the largest chunk the agent model accepts.
	MaxChunkSize int `mapstructure:"max_chunk_size" validate:"gt=0"`
}

// QueueConfig tunes the delay queue and its workers.
type QueueConfig struct {
	StepDelay       time.Duration `mapstructure:"step_delay" validate:"gte=0"`
	DefaultAttempts int           `mapstructure:"default_attempts" validate:"gte=0"`
	DedupTTL        time.Duration `mapstructure:"dedup_ttl" validate:"gte=0"`
	Lease           time.Duration `mapstructure:"lease" validate:"gt=0"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	RetryAttempts   int           `mapstructure:"retry_attempts" validate:"gte=1"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	Concurrency     int           `mapstructure:"concurrency" validate:"gte=1"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// TrainingConfig tunes the parse pipeline runner and claim store.
type TrainingConfig struct {
	WorkerCount  int           `mapstructure:"worker_count" validate:"gte=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	// ClaimBackoff is how long a failed unit waits before it can be claimed
	// again.
	ClaimBackoff time.Duration `mapstructure:"claim_backoff" validate:"gt=0"`
	RetryBudget  int           `mapstructure:"retry_budget" validate:"gte=1"`
	KickDedupTTL time.Duration `mapstructure:"kick_dedup_ttl" validate:"gte=0"`
}

// QuotaConfig holds the limits given to teams without an explicit row.
type QuotaConfig struct {
	DefaultAIPoints   int64 `mapstructure:"default_ai_points" validate:"gte=0"`
	DefaultIndexLimit int64 `mapstructure:"default_index_limit" validate:"gte=0"`
	ReserveCost       int64 `mapstructure:"reserve_cost" validate:"gte=0"`
}

// FeaturesConfig holds tier switches passed to the pipeline at construction.
type FeaturesConfig struct {
	ParagraphAI bool `mapstructure:"paragraph_ai"`
}

// SourcesConfig configures the source readers.
type SourcesConfig struct {
	HTTPTimeout  time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	FileBucket   string        `mapstructure:"file_bucket"`
	FileRegion   string        `mapstructure:"file_region"`
	FileEndpoint string        `mapstructure:"file_endpoint"`
	UsePathStyle bool          `mapstructure:"use_path_style"`
}

// SinkConfig selects where accepted chunk batches go.
type SinkConfig struct {
	Driver       string   `mapstructure:"driver" validate:"required,oneof=postgres kafka"`
	KafkaBrokers []string `mapstructure:"kafka_brokers" validate:"required_if=Driver kafka"`
	KafkaTopic   string   `mapstructure:"kafka_topic" validate:"required_if=Driver kafka"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEnabled bool   `mapstructure:"otlp_enabled"`
	ServiceName string `mapstructure:"service_name"`
}
