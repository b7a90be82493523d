// Package config loads memoir's runtime configuration from defaults and
// MEMOIR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Vector    VectorConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Worker    WorkerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type StorageConfig struct {
	// DataDir holds the SQLite database. Pass ":memory:" for tests.
	DataDir string
}

type VectorConfig struct {
	// URI selects the vector store backend by scheme:
	// hnsw://<path>, opensearch+https://host, opensearch+http://host, qdrant://host:port
	URI string
}

type EmbeddingConfig struct {
	// BaseURL of the local inference server hosting the embedding model.
	BaseURL string
	Model   string
	// Dimension every produced vector must have.
	Dimension int
	// Sliding-window tokenization parameters.
	MaxLength int
	Stride    int
}

type LLMConfig struct {
	// OpenAIAPIKey selects the remote chat-completion provider.
	OpenAIAPIKey string
	// LocalModel selects the local provider (served by the same inference
	// server as embeddings). Exactly one of the two must be set.
	LocalModel string
}

type WorkerConfig struct {
	MaxActive    int
	TickInterval time.Duration
	// Lease after which a Processing task with no progress is requeued.
	Lease time.Duration
}

type LogConfig struct {
	Level string
}

// ErrLLMConfig is returned when zero or both LLM credentials are configured.
var ErrLLMConfig = errors.New("exactly one of MEMOIR_OPENAI_API_KEY or MEMOIR_LOCAL_MODEL must be set")

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8181,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Vector: VectorConfig{
			URI: "hnsw://" + filepath.Join(dataDir, "vectors"),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://localhost:11434",
			Model:     "all-minilm",
			Dimension: 384,
			MaxLength: 256,
			Stride:    86,
		},
		Worker: WorkerConfig{
			MaxActive:    5,
			TickInterval: 100 * time.Millisecond,
			Lease:        10 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memoir"
	}
	return filepath.Join(home, ".memoir")
}

// Load builds the configuration from defaults and environment overrides.
// It fails when the LLM credentials are missing or ambiguous.
func Load() (Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg)

	if (cfg.LLM.OpenAIAPIKey == "") == (cfg.LLM.LocalModel == "") {
		return Config{}, ErrLLMConfig
	}
	if cfg.Embedding.Dimension <= 0 {
		return Config{}, fmt.Errorf("invalid embedding dimension %d", cfg.Embedding.Dimension)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEMOIR_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MEMOIR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MEMOIR_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
		cfg.Vector.URI = "hnsw://" + filepath.Join(v, "vectors")
	}
	if v := os.Getenv("MEMOIR_VECTOR_URI"); v != "" {
		cfg.Vector.URI = v
	}
	if v := os.Getenv("MEMOIR_INFERENCE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("MEMOIR_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("MEMOIR_EMBED_DIM"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = dim
		}
	}
	if v := os.Getenv("MEMOIR_OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAIAPIKey = v
	}
	if v := os.Getenv("MEMOIR_LOCAL_MODEL"); v != "" {
		cfg.LLM.LocalModel = v
	}
	if v := os.Getenv("MEMOIR_MAX_ACTIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.MaxActive = n
		}
	}
	if v := os.Getenv("MEMOIR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
