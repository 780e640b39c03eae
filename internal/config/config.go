// Package config loads and validates semkb configuration.
//
// Precedence, lowest to highest:
//  1. built-in defaults
//  2. config file (~/.semkb/config.yaml or an explicit path)
//  3. SEMKB_* environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete semkb configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Query      QueryConfig      `yaml:"query" json:"query"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// StorageConfig configures the on-disk layout of the QA store.
type StorageConfig struct {
	// BasePath is the root directory holding one sub-directory per category.
	BasePath string `yaml:"base_path" json:"base_path"`
	// Namespace isolates independent knowledge bases sharing one base path.
	Namespace string `yaml:"namespace" json:"namespace"`
	// Workspace isolates tenants within a namespace.
	Workspace string `yaml:"workspace" json:"workspace"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the embedder: "ollama", "openai", or "static".
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	// Dimensions can be set to override auto-detection (0 = probe at init).
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	BatchSize  int `yaml:"batch_size" json:"batch_size"`

	// OllamaHost is the Ollama API endpoint (default: http://localhost:11434).
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`

	// BaseURL is the OpenAI-compatible endpoint root. Azure-compatible
	// deployments set their full resource URL here.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`

	// CacheSize is the LRU embedding cache capacity (0 = default, -1 = off).
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// QueryConfig configures retrieval defaults.
type QueryConfig struct {
	// TopK is the default number of results returned per query.
	TopK int `yaml:"top_k" json:"top_k"`
	// MinSimilarity is the default similarity threshold for matches (0-1).
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`
	// DuplicateThreshold is the insert-time similarity above which a new
	// question is rejected as a duplicate of an existing one.
	DuplicateThreshold float64 `yaml:"duplicate_threshold" json:"duplicate_threshold"`
	// BatchTimeout bounds a whole concurrent batch-query fan-out.
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	// BatchParallelism is the max concurrent queries in a batch fan-out.
	BatchParallelism int `yaml:"batch_parallelism" json:"batch_parallelism"`
}

// TelemetryConfig configures local query telemetry.
// All telemetry data stays on disk next to the store; nothing is reported out.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			BasePath:  defaultBasePath(),
			Namespace: "default",
			Workspace: "default",
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			OllamaHost: "http://localhost:11434",
			APIKeyEnv:  "OPENAI_API_KEY",
			BatchSize:  32,
		},
		Query: QueryConfig{
			TopK:               5,
			MinSimilarity:      0.7,
			DuplicateThreshold: 0.98,
			BatchTimeout:       30 * time.Second,
			BatchParallelism:   4,
		},
		Telemetry: TelemetryConfig{Enabled: true},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultBasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "semkb", "data")
	}
	return filepath.Join(home, ".semkb", "data")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".semkb", "config.yaml")
}

// Load reads configuration from the given path, falling back to defaults for
// anything unset. A missing file is not an error; an unreadable or malformed
// file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies SEMKB_* environment variables on top of file
// values. Env vars have the highest priority.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEMKB_BASE_PATH"); v != "" {
		cfg.Storage.BasePath = v
	}
	if v := os.Getenv("SEMKB_NAMESPACE"); v != "" {
		cfg.Storage.Namespace = v
	}
	if v := os.Getenv("SEMKB_WORKSPACE"); v != "" {
		cfg.Storage.Workspace = v
	}
	if v := os.Getenv("SEMKB_EMBEDDER"); v != "" {
		cfg.Embeddings.Provider = v
	}
	if v := os.Getenv("SEMKB_EMBED_MODEL"); v != "" {
		cfg.Embeddings.Model = v
	}
	if v := os.Getenv("SEMKB_OLLAMA_HOST"); v != "" {
		cfg.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("SEMKB_OPENAI_BASE_URL"); v != "" {
		cfg.Embeddings.BaseURL = v
	}
	if v := os.Getenv("SEMKB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SEMKB_MIN_SIMILARITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Query.MinSimilarity = f
		}
	}
	if v := os.Getenv("SEMKB_DUPLICATE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Query.DuplicateThreshold = f
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Storage.BasePath == "" {
		return fmt.Errorf("storage.base_path must not be empty")
	}
	if c.Storage.Namespace == "" || c.Storage.Workspace == "" {
		return fmt.Errorf("storage.namespace and storage.workspace must not be empty")
	}

	switch c.Embeddings.Provider {
	case "ollama", "openai", "static":
	default:
		return fmt.Errorf("embeddings.provider must be one of ollama, openai, static (got %q)", c.Embeddings.Provider)
	}

	if c.Query.MinSimilarity < 0 || c.Query.MinSimilarity > 1 {
		return fmt.Errorf("query.min_similarity must be in [0,1] (got %v)", c.Query.MinSimilarity)
	}
	if c.Query.DuplicateThreshold < 0 || c.Query.DuplicateThreshold > 1 {
		return fmt.Errorf("query.duplicate_threshold must be in [0,1] (got %v)", c.Query.DuplicateThreshold)
	}
	if c.Query.TopK <= 0 {
		return fmt.Errorf("query.top_k must be positive (got %d)", c.Query.TopK)
	}
	if c.Query.BatchParallelism <= 0 {
		return fmt.Errorf("query.batch_parallelism must be positive (got %d)", c.Query.BatchParallelism)
	}
	return nil
}

// Save writes the configuration to the given path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
