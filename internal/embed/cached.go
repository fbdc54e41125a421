package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds how many distinct texts' vectors are retained.
const DefaultCacheSize = 16384

// CachedEmbedder wraps an Embedder with an LRU cache keyed by a hash of the
// input text, so a page re-embedded after a chunking-config tweak (or a
// repeated query at retrieval time) skips the underlying backend entirely.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
	mu    sync.Mutex // serializes cache reads/writes across concurrent batches
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with an LRU cache of the given size. A size
// of 0 uses DefaultCacheSize.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbedBatch returns cached vectors for previously-seen texts and forwards
// only the misses to the wrapped Embedder, splicing the results back into
// their original positions.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	c.mu.Lock()
	for i, text := range texts {
		if v, ok := c.cache.Get(cacheKey(text)); ok {
			result[i] = v
		} else {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
		}
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return result, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for j, idx := range missIdx {
		result[idx] = vecs[j]
		c.cache.Add(cacheKey(missTexts[j]), vecs[j])
	}
	c.mu.Unlock()

	return result, nil
}

// Dimensions delegates to the wrapped Embedder.
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Close releases the cache and closes the wrapped Embedder.
func (c *CachedEmbedder) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
