package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedder_Static(t *testing.T) {
	e, err := NewEmbedder(context.Background(), ProviderStatic, FactoryConfig{})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	// Cache wrapping is on by default
	cached, ok := e.(*CachedEmbedder)
	require.True(t, ok)
	_, ok = cached.Inner().(*StaticEmbedder)
	assert.True(t, ok)
}

func TestNewEmbedder_CacheDisabled(t *testing.T) {
	e, err := NewEmbedder(context.Background(), ProviderStatic, FactoryConfig{CacheSize: -1})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	_, ok := e.(*StaticEmbedder)
	assert.True(t, ok)
}

func TestNewEmbedder_UnknownProvider(t *testing.T) {
	_, err := NewEmbedder(context.Background(), ProviderType("bogus"), FactoryConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown embedding provider")
}

func TestNewEmbedder_EnvOverride(t *testing.T) {
	// SEMKB_EMBEDDER wins over the configured provider
	t.Setenv("SEMKB_EMBEDDER", "static")

	e, err := NewEmbedder(context.Background(), ProviderType("bogus"), FactoryConfig{CacheSize: -1})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	_, ok := e.(*StaticEmbedder)
	assert.True(t, ok)
}

func TestNewEmbedder_EnvCacheDisable(t *testing.T) {
	t.Setenv("SEMKB_EMBED_CACHE", "false")

	e, err := NewEmbedder(context.Background(), ProviderStatic, FactoryConfig{})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	_, ok := e.(*StaticEmbedder)
	assert.True(t, ok)
}
