package embed

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ProviderType represents an embedding provider.
type ProviderType string

const (
	// ProviderOllama uses a local Ollama host (default).
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses an OpenAI-compatible /embeddings endpoint,
	// including Azure-compatible deployments via a custom base URL.
	ProviderOpenAI ProviderType = "openai"

	// ProviderStatic uses hash-based embeddings (offline fallback).
	ProviderStatic ProviderType = "static"
)

// FactoryConfig carries the provider-specific settings the factory can
// hand to whichever provider is selected.
type FactoryConfig struct {
	Model      string
	Dimensions int
	BatchSize  int

	OllamaHost string

	OpenAIBaseURL string
	OpenAIKeyEnv  string

	// CacheSize is the LRU embedding cache capacity (0 = default, -1 = off).
	CacheSize int
}

// NewEmbedder creates an embedder based on provider type.
// The SEMKB_EMBEDDER environment variable overrides the provider name.
// There is no silent fallback between providers: an unavailable provider is
// an initialization error the caller must handle.
//
// Query embedding caching is enabled by default; set CacheSize to -1 or
// SEMKB_EMBED_CACHE=false to disable it.
func NewEmbedder(ctx context.Context, provider ProviderType, cfg FactoryConfig) (Embedder, error) {
	if env := os.Getenv("SEMKB_EMBEDDER"); env != "" {
		provider = ProviderType(strings.ToLower(env))
	}

	var embedder Embedder
	var err error

	switch provider {
	case ProviderOllama:
		ocfg := DefaultOllamaConfig()
		if cfg.OllamaHost != "" {
			ocfg.Host = cfg.OllamaHost
		}
		if cfg.Model != "" {
			ocfg.Model = cfg.Model
		}
		ocfg.Dimensions = cfg.Dimensions
		if cfg.BatchSize > 0 {
			ocfg.BatchSize = cfg.BatchSize
		}
		embedder, err = NewOllamaEmbedder(ctx, ocfg)

	case ProviderOpenAI:
		acfg := DefaultOpenAIConfig()
		if cfg.OpenAIBaseURL != "" {
			acfg.BaseURL = cfg.OpenAIBaseURL
		}
		if cfg.OpenAIKeyEnv != "" {
			acfg.APIKeyEnv = cfg.OpenAIKeyEnv
		}
		if cfg.Model != "" {
			acfg.Model = cfg.Model
		}
		acfg.Dimensions = cfg.Dimensions
		if cfg.BatchSize > 0 {
			acfg.BatchSize = cfg.BatchSize
		}
		embedder, err = NewOpenAIEmbedder(ctx, acfg)

	case ProviderStatic:
		embedder = NewStaticEmbedder()

	default:
		return nil, fmt.Errorf("unknown embedding provider %q (want ollama, openai, or static)", provider)
	}

	if err != nil {
		return nil, err
	}

	if cfg.CacheSize >= 0 && !isCacheDisabled() {
		embedder = NewCachedEmbedder(embedder, cfg.CacheSize)
	}

	return embedder, nil
}

// isCacheDisabled checks if embedding cache is disabled via environment.
func isCacheDisabled() bool {
	v := strings.ToLower(os.Getenv("SEMKB_EMBED_CACHE"))
	return v == "false" || v == "0" || v == "off" || v == "disabled"
}
