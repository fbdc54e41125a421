// Package embed implements the external Embedder collaborator (spec §6:
// "Embedder.embed(batch<string>) -> batch<vector<float32, D>>"): a
// deterministic, stateless-after-load text-to-vector function the ingest
// pipeline's Embed stage and the retrieval assembler both call.
package embed

import "context"

// DefaultBatchSize is the default number of texts embedded per request.
const DefaultBatchSize = 32

// Embedder generates vector embeddings for batches of text.
type Embedder interface {
	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector width.
	Dimensions() int

	// Close releases any resources (connections, caches) held by the embedder.
	Close() error
}
