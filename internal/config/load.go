package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// defaults lists every key with a default. Keys without one are bound to
// their environment variable explicitly in Load.
var defaults = map[string]any{
	"server.port":      8080,
	"server.log_level": "info",

	"database.max_conns": 10,

	"llm.model_name":     "gemini-2.0-flash",
	"llm.max_retries":    3,
	"llm.retry_delay":    "2s",
	"llm.max_chunk_size": 8000,

	"queue.step_delay":       "100ms",
	"queue.default_attempts": 3,
	"queue.dedup_ttl":        "5s",
	"queue.lease":            "5m",
	"queue.retry_backoff":    "1s",
	"queue.retry_attempts":   3,
	"queue.retry_delay":      "100ms",
	"queue.concurrency":      2,
	"queue.poll_interval":    "1s",

	"training.worker_count":   2,
	"training.poll_interval":  "5s",
	"training.claim_backoff":  "10m",
	"training.retry_budget":   5,
	"training.kick_dedup_ttl": "2s",

	"quota.default_ai_points":   1000,
	"quota.default_index_limit": 100000,
	"quota.reserve_cost":        1,

	"features.paragraph_ai": false,

	"sources.http_timeout":   "30s",
	"sources.max_body_bytes": 50 << 20,
	"sources.use_path_style": false,

	"sink.driver": "postgres",

	"telemetry.otlp_enabled": false,
	"telemetry.service_name": "scry-ingest",
}

// boundKeys have no default and must be bound to be seen by Unmarshal.
var boundKeys = []string{
	"database.url",
	"llm.gemini_api_key",
	"sources.file_bucket",
	"sources.file_region",
	"sources.file_endpoint",
	"sink.kafka_brokers",
	"sink.kafka_topic",
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches for
// config.yaml in the working directory.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("SCRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range boundKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules that span sections.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if cfg.Features.ParagraphAI && cfg.LLM.GeminiAPIKey == "" {
		return fmt.Errorf("configuration validation failed: llm.gemini_api_key is required when features.paragraph_ai is enabled")
	}
	return nil
}
