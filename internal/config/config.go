// Package config provides configuration management for Engram. Settings are
// resolved in three layers: built-in defaults, an optional YAML file, and
// environment variables with the ENGRAM_ prefix. Environment variables win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for Engram.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Search     SearchConfig     `yaml:"search"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	DataPath string `yaml:"data_path"` // Directory for the SQLite database (default: ./data)

	// VectorBackend selects where embeddings live: "sqlite" (default) or
	// "postgres" (pgvector, for large corpora).
	VectorBackend string `yaml:"vector_backend"`

	// PostgresDSN is required when VectorBackend is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EmbeddingConfig configures the provider failover chain.
type EmbeddingConfig struct {
	// Providers is the failover order (default: ["ollama", "openai"]).
	Providers []string `yaml:"providers"`

	OllamaURL            string `yaml:"ollama_url"`             // default: http://localhost:11434
	OllamaEmbeddingModel string `yaml:"ollama_embedding_model"` // default: nomic-embed-text
	OllamaDimensions     int    `yaml:"ollama_dimensions"`      // default: 768
	OpenAIModel          string `yaml:"openai_model"`           // default: text-embedding-3-small

	// OpenAIRateLimit is a sustained requests-per-second ceiling for OpenAI
	// calls; 0 disables throttling (default: 3).
	OpenAIRateLimit float64 `yaml:"openai_rate_limit"`
}

// EnrichmentConfig configures the optional contextual-enrichment pass.
type EnrichmentConfig struct {
	Enabled  bool   `yaml:"enabled"`  // default: false
	Provider string `yaml:"provider"` // "ollama" or "anthropic" (default: ollama)
	Model    string `yaml:"model"`    // provider-specific completion model
}

// IndexingConfig configures scanning and embedding runs.
type IndexingConfig struct {
	// SourcesPath is the directory of transcript sources (default: ./sources).
	SourcesPath string `yaml:"sources_path"`

	// MaxChunkChars bounds chunk size (default: 2000).
	MaxChunkChars int `yaml:"max_chunk_chars"`

	// ClaimTimeout is how long an in_progress claim is honored before a
	// later run may reclaim the chunk (default: 10m).
	ClaimTimeout time.Duration `yaml:"claim_timeout"`

	// EmbedBatchSize caps how many pending chunks one EmbedAll pass loads
	// per storage round-trip (default: 100).
	EmbedBatchSize int `yaml:"embed_batch_size"`
}

// SearchConfig configures the retrieval orchestrator.
type SearchConfig struct {
	// DefaultThreshold is the minimum similarity for vector results
	// (default: 0.7).
	DefaultThreshold float64 `yaml:"default_threshold"`

	// DefaultLimit is the result cap when the caller supplies none
	// (default: 10).
	DefaultLimit int `yaml:"default_limit"`

	// MinResults is the vector result count below which lexical results
	// supplement the response (default: 3).
	MinResults int `yaml:"min_results"`
}

// Load resolves configuration from defaults, the optional YAML file at path
// (skipped when path is empty or the file does not exist), and environment
// variables, in that order.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Storage.VectorBackend == "postgres" && cfg.Storage.PostgresDSN == "" {
		return nil, fmt.Errorf("config: vector_backend is postgres but no postgres_dsn is set (ENGRAM_POSTGRES_DSN)")
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			DataPath:      "./data",
			VectorBackend: "sqlite",
		},
		Embedding: EmbeddingConfig{
			Providers:            []string{"ollama", "openai"},
			OllamaURL:            "http://localhost:11434",
			OllamaEmbeddingModel: "nomic-embed-text",
			OllamaDimensions:     768,
			OpenAIModel:          "text-embedding-3-small",
			OpenAIRateLimit:      3,
		},
		Enrichment: EnrichmentConfig{
			Enabled:  false,
			Provider: "ollama",
		},
		Indexing: IndexingConfig{
			SourcesPath:    "./sources",
			MaxChunkChars:  2000,
			ClaimTimeout:   10 * time.Minute,
			EmbedBatchSize: 100,
		},
		Search: SearchConfig{
			DefaultThreshold: 0.7,
			DefaultLimit:     10,
			MinResults:       3,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Storage.DataPath = getEnv("ENGRAM_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.VectorBackend = getEnv("ENGRAM_VECTOR_BACKEND", cfg.Storage.VectorBackend)
	cfg.Storage.PostgresDSN = getEnv("ENGRAM_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Embedding.OllamaURL = getEnv("ENGRAM_OLLAMA_URL", cfg.Embedding.OllamaURL)
	cfg.Embedding.OllamaEmbeddingModel = getEnv("ENGRAM_EMBEDDING_MODEL", cfg.Embedding.OllamaEmbeddingModel)
	cfg.Embedding.OllamaDimensions = getEnvInt("ENGRAM_EMBEDDING_DIMENSIONS", cfg.Embedding.OllamaDimensions)
	cfg.Embedding.OpenAIModel = getEnv("ENGRAM_OPENAI_EMBEDDING_MODEL", cfg.Embedding.OpenAIModel)
	cfg.Embedding.OpenAIRateLimit = getEnvFloat("ENGRAM_OPENAI_RATE_LIMIT", cfg.Embedding.OpenAIRateLimit)

	cfg.Enrichment.Enabled = getEnvBool("ENGRAM_ENRICHMENT_ENABLED", cfg.Enrichment.Enabled)
	cfg.Enrichment.Provider = getEnv("ENGRAM_ENRICHMENT_PROVIDER", cfg.Enrichment.Provider)
	cfg.Enrichment.Model = getEnv("ENGRAM_ENRICHMENT_MODEL", cfg.Enrichment.Model)

	cfg.Indexing.SourcesPath = getEnv("ENGRAM_SOURCES_PATH", cfg.Indexing.SourcesPath)
	cfg.Indexing.MaxChunkChars = getEnvInt("ENGRAM_MAX_CHUNK_CHARS", cfg.Indexing.MaxChunkChars)
	cfg.Indexing.ClaimTimeout = getEnvDuration("ENGRAM_CLAIM_TIMEOUT", cfg.Indexing.ClaimTimeout)
	cfg.Indexing.EmbedBatchSize = getEnvInt("ENGRAM_EMBED_BATCH_SIZE", cfg.Indexing.EmbedBatchSize)

	cfg.Search.DefaultThreshold = getEnvFloat("ENGRAM_SEARCH_THRESHOLD", cfg.Search.DefaultThreshold)
	cfg.Search.DefaultLimit = getEnvInt("ENGRAM_SEARCH_LIMIT", cfg.Search.DefaultLimit)
	cfg.Search.MinResults = getEnvInt("ENGRAM_SEARCH_MIN_RESULTS", cfg.Search.MinResults)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value, also on parse failure.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value, also on parse failure.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. Recognizes true/1/yes and false/0/no, case-insensitive.
func getEnvBool(key string, defaultValue bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
		return true
	case "false", "0", "no", "False", "FALSE", "No", "NO":
		return false
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go syntax, e.g.
// "10m") or returns a default value, also on parse failure.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
