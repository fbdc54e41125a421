package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pocketwiki/pocketwikirag/internal/bm25"
	"github.com/pocketwiki/pocketwikirag/internal/chunk"
	"github.com/pocketwiki/pocketwikirag/internal/chunkstore"
	"github.com/pocketwiki/pocketwikirag/internal/denseindex"
	"github.com/pocketwiki/pocketwikirag/internal/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// docs used to build every fixture index in this file; chunk_id equals
// position in the slice.
var fixtureDocs = []struct {
	pageID int64
	title  string
	text   string
}{
	{1, "Go", "Go is a compiled, statically typed programming language designed at Google."},
	{2, "Rust", "Rust is a systems programming language focused on memory safety and concurrency."},
	{3, "Python", "Python is a dynamically typed, interpreted high level programming language."},
}

func buildFixture(t *testing.T) (*Assembler, func()) {
	t.Helper()
	dir := t.TempDir()

	chunksPath := filepath.Join(dir, "chunks.jsonl")
	w, err := chunkstore.NewWriter(chunksPath)
	require.NoError(t, err)
	for i, d := range fixtureDocs {
		require.NoError(t, w.Write(chunk.Chunk{
			ChunkID:   uint64(i),
			PageID:    d.pageID,
			PageTitle: d.title,
			Text:      d.text,
		}))
	}
	require.NoError(t, w.Close())

	store, err := chunkstore.Load(chunksPath)
	require.NoError(t, err)

	builder := bm25.NewBuilder()
	for i, d := range fixtureDocs {
		require.NoError(t, builder.Add(uint64(i), d.text))
	}
	sparsePath := filepath.Join(dir, "sparse.idx")
	require.NoError(t, builder.Build(sparsePath))
	reader, err := bm25.Open(sparsePath)
	require.NoError(t, err)

	embedder := embed.NewStaticEmbedder(32)
	idx, err := denseindex.New(denseindex.Config{Dimensions: 32, Metric: denseindex.MetricCosine})
	require.NoError(t, err)
	for i, d := range fixtureDocs {
		vecs, err := embedder.EmbedBatch(context.Background(), []string{d.text})
		require.NoError(t, err)
		require.NoError(t, idx.Add(uint64(i), vecs[0]))
	}

	a := New(embedder, idx, reader, store)
	cleanup := func() {
		store.Close()
		reader.Close()
		idx.Close()
		embedder.Close()
	}
	return a, cleanup
}

func TestAssembler_Query_ReturnsRelevantChunk(t *testing.T) {
	a, cleanup := buildFixture(t)
	defer cleanup()

	results, err := a.Query(context.Background(), "programming language", Options{FusedK: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	for _, r := range results {
		assert.NotEmpty(t, r.Text)
		assert.NotEmpty(t, r.PageTitle)
	}
}

func TestAssembler_Query_DedupByPage(t *testing.T) {
	a, cleanup := buildFixture(t)
	defer cleanup()

	results, err := a.Query(context.Background(), "programming language", Options{FusedK: 10, DedupByPage: true})
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for _, r := range results {
		assert.False(t, seen[r.PageID], "page_id %d returned more than once", r.PageID)
		seen[r.PageID] = true
	}
}

func TestAssembler_Query_RespectsFusedK(t *testing.T) {
	a, cleanup := buildFixture(t)
	defer cleanup()

	results, err := a.Query(context.Background(), "language", Options{FusedK: 1, DenseK: 3, SparseK: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 1)
}

func TestAssembler_Query_ContextWindowBudgetTruncatesWholeChunks(t *testing.T) {
	a, cleanup := buildFixture(t)
	defer cleanup()

	full, err := a.Query(context.Background(), "programming language", Options{FusedK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, full)

	budget := len(full[0].Text)
	truncated, err := a.Query(context.Background(), "programming language", Options{FusedK: 3, ContextWindowBudget: budget})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(truncated), len(full))
	for _, c := range truncated {
		found := false
		for _, f := range full {
			if f.ChunkID == c.ChunkID {
				found = true
			}
		}
		assert.True(t, found, "truncated result must be a whole chunk from the full list")
	}
}

func TestAssembler_Query_EmptyIndexReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	chunksPath := filepath.Join(dir, "chunks.jsonl")
	w, err := chunkstore.NewWriter(chunksPath)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	store, err := chunkstore.Load(chunksPath)
	require.NoError(t, err)
	defer store.Close()

	sparsePath := filepath.Join(dir, "sparse.idx")
	require.NoError(t, bm25.NewBuilder().Build(sparsePath))
	reader, err := bm25.Open(sparsePath)
	require.NoError(t, err)
	defer reader.Close()

	embedder := embed.NewStaticEmbedder(8)
	defer embedder.Close()
	idx, err := denseindex.New(denseindex.Config{Dimensions: 8, Metric: denseindex.MetricCosine})
	require.NoError(t, err)
	defer idx.Close()

	a := New(embedder, idx, reader, store)
	results, err := a.Query(context.Background(), "anything", Options{FusedK: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}
