package chunkstore

import (
	"path/filepath"
	"testing"

	"github.com/pocketwiki/pocketwikirag/internal/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, chunks []chunk.Chunk) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunks.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, w.Write(c))
	}
	require.NoError(t, w.Close())
	return path
}

func TestWriterStore_RoundTrip(t *testing.T) {
	chunks := []chunk.Chunk{
		{ChunkID: 0, PageID: 1, PageTitle: "Go", Text: "Go is a language.", TokenCount: 4},
		{ChunkID: 1, PageID: 1, PageTitle: "Go", Text: "It compiles fast.", TokenCount: 3},
		{ChunkID: 2, PageID: 2, PageTitle: "Rust", Text: "Rust has borrow checking.", TokenCount: 4},
	}
	path := writeFixture(t, chunks)

	store, err := Load(path)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, 3, store.Len())

	rec, err := store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.PageID)
	assert.Equal(t, "It compiles fast.", rec.Text)

	rec0, err := store.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "Go is a language.", rec0.Text)

	rec2, err := store.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "Rust", rec2.PageTitle)
}

func TestStore_OutOfRangeChunkIDErrors(t *testing.T) {
	path := writeFixture(t, []chunk.Chunk{{ChunkID: 0, PageID: 1, Text: "x"}})
	store, err := Load(path)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(5)
	assert.Error(t, err)
}

func TestStore_EmptyFile(t *testing.T) {
	path := writeFixture(t, nil)
	store, err := Load(path)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, 0, store.Len())
	_, err = store.Get(0)
	assert.Error(t, err)
}

func TestWriter_SizeReflectsBytesWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)

	size0, err := w.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size0)

	require.NoError(t, w.Write(chunk.Chunk{ChunkID: 0, PageID: 1, Text: "hello"}))
	size1, err := w.Size()
	require.NoError(t, err)
	assert.Greater(t, size1, int64(0))

	require.NoError(t, w.Close())
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}
