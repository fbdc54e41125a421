package embed

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/pocketwiki/pocketwikirag/internal/token"
)

// DefaultStaticDimensions matches common small sentence-embedding models,
// used when no Ollama endpoint is configured (offline tests, CI, air-gapped
// bundles built without a running embedding service).
const DefaultStaticDimensions = 256

// StaticEmbedder produces deterministic, feature-hashed vectors from a
// text's tokens. It has no semantic understanding: it exists so the
// pipeline and retrieval core are fully exercisable without a live
// embedding backend, and so golden-file tests are reproducible.
type StaticEmbedder struct {
	dims int
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder returns a StaticEmbedder with the given dimensionality.
// A dims of 0 uses DefaultStaticDimensions.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = DefaultStaticDimensions
	}
	return &StaticEmbedder{dims: dims}
}

// EmbedBatch hashes each text's tokens into buckets and L2-normalizes the
// result, so cosine similarity between two texts reflects shared-token
// overlap rather than anything semantic.
func (s *StaticEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = s.embedOne(text)
	}
	return vecs, nil
}

func (s *StaticEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, s.dims)
	toks, _ := token.Tokenize(text)
	for _, tok := range toks {
		h := fnv.New32a()
		h.Write([]byte(tok))
		bucket := h.Sum32() % uint32(s.dims)

		sign := fnv.New32a()
		sign.Write([]byte("sign:" + tok))
		if sign.Sum32()%2 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}

// Dimensions returns the configured vector width.
func (s *StaticEmbedder) Dimensions() int {
	return s.dims
}

// Close is a no-op: the embedder holds no resources.
func (s *StaticEmbedder) Close() error {
	return nil
}
