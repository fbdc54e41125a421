package embed

import (
	"fmt"
	"strings"

	pwconfig "github.com/pocketwiki/pocketwikirag/internal/config"
)

// NewFromConfig builds the configured Embedder, wrapped in an LRU cache.
// It is the only place pipeline and retrieval code should construct an
// Embedder from user configuration.
func NewFromConfig(cfg pwconfig.EmbeddingConfig) (Embedder, error) {
	var base Embedder

	switch strings.ToLower(cfg.Provider) {
	case "ollama":
		base = NewOllamaEmbedder(OllamaConfig{
			Host:       cfg.Host,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case "static", "":
		base = NewStaticEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("embed: unknown provider %q", cfg.Provider)
	}

	return NewCachedEmbedder(base, cfg.CacheSize)
}
