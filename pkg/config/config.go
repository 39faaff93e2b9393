// Package config loads memquest configuration from an optional YAML
// file with environment variable overrides.
//
// Precedence, lowest to highest: built-in defaults, YAML file,
// environment. A collaborator with no endpoint configured is treated as
// disabled, never as a startup error.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree for the memquest service.
type Config struct {
	Memory     MemoryConfig     `yaml:"memory"`
	Milvus     MilvusConfig     `yaml:"milvus"`
	Stream     StreamConfig     `yaml:"stream"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Redaction  RedactionConfig  `yaml:"redaction"`
	Decider    DeciderConfig    `yaml:"decider"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Server     ServerConfig     `yaml:"server"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// MemoryConfig holds the feature toggles and retrieval tuning knobs.
type MemoryConfig struct {
	// Enabled is the global kill-switch. When false both paths return
	// their safe defaults regardless of the per-path toggles.
	Enabled bool `yaml:"enabled" env:"MEMORY_ENABLED"`
	// HotRetrievalEnabled toggles the retrieval path independently.
	HotRetrievalEnabled bool `yaml:"hot_retrieval_enabled" env:"HOT_RETRIEVAL_ENABLED"`
	// ColdIngestEnabled toggles the ingestion path independently.
	ColdIngestEnabled bool `yaml:"cold_ingest_enabled" env:"COLD_INGEST_ENABLED"`
	// K is the default retrieval result count when the caller passes 0.
	K int `yaml:"k" env:"MEMORY_K"`
	// RRFK is the reciprocal rank fusion constant.
	RRFK int `yaml:"rrf_k" env:"RRF_K"`
	// RerankEnabled turns on semantic reranking of fused results.
	RerankEnabled bool `yaml:"rerank_enabled" env:"SEMANTIC_RERANK_ENABLED"`
	// VectorDim is the embedding dimensionality used for storage,
	// search, and the zero-vector fallback.
	VectorDim int `yaml:"vector_dim" env:"MEMORY_VECTOR_DIM"`
	// EnqueueBuffer bounds the fire-and-forget write queue.
	EnqueueBuffer int `yaml:"enqueue_buffer" env:"MEMORY_ENQUEUE_BUFFER"`
}

// MilvusConfig locates the document store. An empty address disables it.
type MilvusConfig struct {
	Address    string `yaml:"address" env:"MILVUS_ADDRESS"`
	Collection string `yaml:"collection" env:"MEMORY_COLLECTION"`
}

// StreamConfig locates the event stream. An empty address disables it.
type StreamConfig struct {
	RedisAddress string `yaml:"redis_address" env:"REDIS_ADDRESS"`
	Stream       string `yaml:"stream" env:"MEMORY_STREAM"`
	Group        string `yaml:"group" env:"MEMORY_CONSUMER_GROUP"`
	// MaxLen caps the stream length (approximate trim on XADD).
	MaxLen int64 `yaml:"max_len" env:"MEMORY_STREAM_MAXLEN"`
}

// EmbeddingConfig locates the OpenAI-compatible embedding provider.
// An empty endpoint and key disables it (zero-vector fallback).
type EmbeddingConfig struct {
	Endpoint   string `yaml:"endpoint" env:"EMBEDDING_ENDPOINT"`
	APIKey     string `yaml:"api_key" env:"EMBEDDING_API_KEY"`
	Model      string `yaml:"model" env:"EMBEDDING_MODEL"`
	MaxRetries int    `yaml:"max_retries" env:"EMBEDDING_MAX_RETRIES"`
}

// RedactionConfig controls PII handling before storage.
type RedactionConfig struct {
	Enabled bool `yaml:"enabled" env:"PII_REDACTION_ENABLED"`
	// Mode is one of "mask", "drop", "tag".
	Mode string `yaml:"mode" env:"PII_REDACTION_MODE"`
}

// DeciderConfig controls the optional LLM admission hook.
type DeciderConfig struct {
	LLMEnabled      bool   `yaml:"llm_enabled" env:"MEMORY_DECIDER_LLM_ENABLED"`
	AnthropicAPIKey string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	Model           string `yaml:"model" env:"MEMORY_DECIDER_MODEL"`
}

// DeadLetterConfig selects the durable dead letter sink. An empty DSN
// keeps the default log-only sink.
type DeadLetterConfig struct {
	PostgresDSN string `yaml:"postgres_dsn" env:"DLQ_POSTGRES_DSN"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	OTLPEndpoint  string  `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure      bool    `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	Stdout        bool    `yaml:"stdout" env:"OTEL_TRACES_STDOUT"`
	SamplingRatio float64 `yaml:"sampling_ratio" env:"OTEL_TRACES_SAMPLER_RATIO"`
}

// LoggingConfig holds the log level.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Default returns the built-in configuration. Both paths are enabled;
// collaborators are unset and therefore disabled until configured.
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			Enabled:             true,
			HotRetrievalEnabled: true,
			ColdIngestEnabled:   true,
			K:                   5,
			RRFK:                60,
			VectorDim:           1536,
			EnqueueBuffer:       1024,
		},
		Milvus: MilvusConfig{
			Collection: "memquest_memory",
		},
		Stream: StreamConfig{
			Stream: "memory-events",
			Group:  "memquest-ingest",
			MaxLen: 100000,
		},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			MaxRetries: 3,
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Mode:    RedactionModeMask,
		},
		Decider: DeciderConfig{
			Model: "claude-3-5-haiku-latest",
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Redaction modes.
const (
	RedactionModeMask = "mask"
	RedactionModeDrop = "drop"
	RedactionModeTag  = "tag"
)

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Missing collaborator
// endpoints are not errors.
func (c *Config) Validate() error {
	if c.Memory.K <= 0 {
		return fmt.Errorf("memory.k must be positive, got %d", c.Memory.K)
	}
	if c.Memory.RRFK <= 0 {
		return fmt.Errorf("memory.rrf_k must be positive, got %d", c.Memory.RRFK)
	}
	if c.Memory.VectorDim <= 0 {
		return fmt.Errorf("memory.vector_dim must be positive, got %d", c.Memory.VectorDim)
	}
	if c.Memory.EnqueueBuffer <= 0 {
		return fmt.Errorf("memory.enqueue_buffer must be positive, got %d", c.Memory.EnqueueBuffer)
	}
	switch strings.ToLower(c.Redaction.Mode) {
	case RedactionModeMask, RedactionModeDrop, RedactionModeTag:
	default:
		return fmt.Errorf("redaction.mode must be one of mask|drop|tag, got %q", c.Redaction.Mode)
	}
	if c.Embedding.MaxRetries < 0 {
		return fmt.Errorf("embedding.max_retries must not be negative, got %d", c.Embedding.MaxRetries)
	}
	return nil
}
