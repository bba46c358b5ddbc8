package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iammorganparry/recall/internal/embedding"
	"github.com/iammorganparry/recall/internal/extract"
	"github.com/iammorganparry/recall/internal/store"
)

const (
	ProviderOllama = "ollama"
	ProviderHash   = "hash"
)

type Config struct {
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
	Driver   string `yaml:"driver"`
	APIKey   string `yaml:"api_key"`
	LogLevel string `yaml:"log_level"`
	// Embedding
	EmbeddingProvider  string  `yaml:"embedding_provider"`
	OllamaBaseURL      string  `yaml:"ollama_base_url"`
	EmbeddingModel     string  `yaml:"embedding_model"`
	EmbeddingDim       int     `yaml:"embedding_dim"`
	EmbeddingBatchSize int     `yaml:"embedding_batch_size"`
	EmbeddingAttempts  int     `yaml:"embedding_max_attempts"`
	EmbeddingRPS       float64 `yaml:"embedding_rps"`
	EmbeddingPartial   bool    `yaml:"embedding_partial"`
	QueryCacheSize     int     `yaml:"query_cache_size"`
	// Search tuning
	VectorWeight  float64 `yaml:"vector_weight"`
	KeywordWeight float64 `yaml:"keyword_weight"`
	HalfLifeHours int     `yaml:"recency_half_life_hours"`
	// Extraction
	MinLength    int `yaml:"extract_min_length"`
	ChunkFloor   int `yaml:"chunk_floor"`
	ChunkTarget  int `yaml:"chunk_target"`
	ChunkCap     int `yaml:"chunk_cap"`
	LongSentence int `yaml:"chunk_long_sentence"`
	// Archive and restore
	TurnWindow    int `yaml:"turn_window"`
	RestoreBudget int `yaml:"restore_token_budget"`
}

func defaults() *Config {
	ex := extract.DefaultConfig()
	return &Config{
		Port:               8741,
		DataDir:            defaultDataDir(),
		Driver:             store.DriverCGO,
		LogLevel:           "info",
		EmbeddingProvider:  ProviderOllama,
		OllamaBaseURL:      "http://localhost:11434",
		EmbeddingModel:     "nomic-embed-text",
		EmbeddingDim:       768,
		EmbeddingBatchSize: 16,
		EmbeddingAttempts:  3,
		EmbeddingPartial:   true,
		QueryCacheSize:     256,
		VectorWeight:       0.6,
		KeywordWeight:      0.4,
		HalfLifeHours:      7 * 24,
		MinLength:          ex.MinLength,
		ChunkFloor:         ex.ChunkFloor,
		ChunkTarget:        ex.ChunkTarget,
		ChunkCap:           ex.ChunkCap,
		LongSentence:       ex.LongSentence,
		TurnWindow:         20,
		RestoreBudget:      2000,
	}
}

// Load builds the config from defaults, then the YAML file named by
// RECALL_CONFIG if set, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("RECALL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Port = envInt("PORT", cfg.Port)
	cfg.DataDir = envStr("RECALL_DATA_DIR", cfg.DataDir)
	cfg.Driver = envStr("RECALL_DRIVER", cfg.Driver)
	cfg.APIKey = envStr("API_KEY", cfg.APIKey)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.EmbeddingProvider = envStr("EMBEDDING_PROVIDER", cfg.EmbeddingProvider)
	cfg.OllamaBaseURL = envStr("OLLAMA_BASE_URL", cfg.OllamaBaseURL)
	cfg.EmbeddingModel = envStr("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.EmbeddingDim = envInt("EMBEDDING_DIM", cfg.EmbeddingDim)
	cfg.EmbeddingBatchSize = envInt("EMBEDDING_BATCH_SIZE", cfg.EmbeddingBatchSize)
	cfg.EmbeddingAttempts = envInt("EMBEDDING_MAX_ATTEMPTS", cfg.EmbeddingAttempts)
	cfg.EmbeddingRPS = envFloat("EMBEDDING_RPS", cfg.EmbeddingRPS)
	cfg.EmbeddingPartial = envBool("EMBEDDING_PARTIAL", cfg.EmbeddingPartial)
	cfg.QueryCacheSize = envInt("QUERY_CACHE_SIZE", cfg.QueryCacheSize)
	cfg.VectorWeight = envFloat("VECTOR_WEIGHT", cfg.VectorWeight)
	cfg.KeywordWeight = envFloat("KEYWORD_WEIGHT", cfg.KeywordWeight)
	cfg.HalfLifeHours = envInt("RECENCY_HALF_LIFE_HOURS", cfg.HalfLifeHours)
	cfg.MinLength = envInt("EXTRACT_MIN_LENGTH", cfg.MinLength)
	cfg.ChunkFloor = envInt("CHUNK_FLOOR", cfg.ChunkFloor)
	cfg.ChunkTarget = envInt("CHUNK_TARGET", cfg.ChunkTarget)
	cfg.ChunkCap = envInt("CHUNK_CAP", cfg.ChunkCap)
	cfg.LongSentence = envInt("CHUNK_LONG_SENTENCE", cfg.LongSentence)
	cfg.TurnWindow = envInt("TURN_WINDOW", cfg.TurnWindow)
	cfg.RestoreBudget = envInt("RESTORE_TOKEN_BUDGET", cfg.RestoreBudget)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("RECALL_DATA_DIR must not be empty")
	}
	if c.Driver != store.DriverCGO && c.Driver != store.DriverPureGo {
		return fmt.Errorf("RECALL_DRIVER must be %q or %q, got %q", store.DriverCGO, store.DriverPureGo, c.Driver)
	}
	switch c.EmbeddingProvider {
	case ProviderOllama:
		if c.OllamaBaseURL == "" {
			return fmt.Errorf("OLLAMA_BASE_URL must not be empty")
		}
	case ProviderHash:
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be %q or %q, got %q", ProviderOllama, ProviderHash, c.EmbeddingProvider)
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.EmbeddingBatchSize < 1 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be positive, got %d", c.EmbeddingBatchSize)
	}
	if c.VectorWeight < 0 || c.KeywordWeight < 0 {
		return fmt.Errorf("search weights must not be negative")
	}
	sum := c.VectorWeight + c.KeywordWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("VECTOR_WEIGHT + KEYWORD_WEIGHT must equal 1.0, got %f", sum)
	}
	if c.HalfLifeHours < 1 {
		return fmt.Errorf("RECENCY_HALF_LIFE_HOURS must be positive, got %d", c.HalfLifeHours)
	}
	if err := c.Extract().Validate(); err != nil {
		return err
	}
	if c.TurnWindow < 1 {
		return fmt.Errorf("TURN_WINDOW must be positive, got %d", c.TurnWindow)
	}
	if c.RestoreBudget < 1 {
		return fmt.Errorf("RESTORE_TOKEN_BUDGET must be positive, got %d", c.RestoreBudget)
	}
	return nil
}

// Store returns the store options.
func (c *Config) Store() store.Options {
	return store.Options{DataDir: c.DataDir, Driver: c.Driver, Dimension: c.EmbeddingDim}
}

// Embedding returns the embedding service settings.
func (c *Config) Embedding() embedding.Config {
	retry := embedding.DefaultRetryConfig()
	retry.MaxAttempts = c.EmbeddingAttempts
	return embedding.Config{
		Dimension:         c.EmbeddingDim,
		BatchSize:         c.EmbeddingBatchSize,
		Retry:             retry,
		RequestsPerSecond: c.EmbeddingRPS,
		Burst:             c.EmbeddingBatchSize,
		QueryCacheSize:    c.QueryCacheSize,
		Partial:           c.EmbeddingPartial,
	}
}

// Extract returns the extractor thresholds.
func (c *Config) Extract() extract.Config {
	return extract.Config{
		MinLength:    c.MinLength,
		ChunkFloor:   c.ChunkFloor,
		ChunkTarget:  c.ChunkTarget,
		ChunkCap:     c.ChunkCap,
		LongSentence: c.LongSentence,
	}
}

func (c *Config) HalfLife() time.Duration {
	return time.Duration(c.HalfLifeHours) * time.Hour
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recall"
	}
	return filepath.Join(home, ".recall")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}
