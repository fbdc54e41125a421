package retrieval

import (
	"os"
	"path/filepath"

	"github.com/pocketwiki/pocketwikirag/internal/bm25"
	"github.com/pocketwiki/pocketwikirag/internal/chunkstore"
	"github.com/pocketwiki/pocketwikirag/internal/config"
	"github.com/pocketwiki/pocketwikirag/internal/denseindex"
	"github.com/pocketwiki/pocketwikirag/internal/embed"
	"github.com/pocketwiki/pocketwikirag/internal/manifest"
)

// bundle file names, matching internal/pipeline's layout.
const (
	chunksFile   = "chunks.jsonl"
	denseFile    = "dense.faiss"
	sparseFile   = "sparse.idx"
	manifestFile = "manifest.json"
)

// Bundle owns every collaborator an Assembler needs, opened read-only from
// a built bundle directory, plus the Embedder used to vectorize queries.
type Bundle struct {
	Assembler *Assembler

	embedder embed.Embedder
	dense    *denseindex.HNSWIndex
	sparse   *bm25.Reader
	chunks   chunkstore.Source
}

// OpenBundle opens every artifact in bundleDir and wires them into an
// Assembler. The caller must call Close when done serving queries.
func OpenBundle(cfg *config.Config) (*Bundle, error) {
	bundleDir := cfg.Paths.BundleDir

	m, err := manifest.Load(filepath.Join(bundleDir, manifestFile))
	if err != nil {
		return nil, err
	}
	if err := m.Verify(bundleDir); err != nil {
		return nil, err
	}

	chunks, err := openChunkSource(cfg, bundleDir)
	if err != nil {
		return nil, err
	}

	sparse, err := bm25.OpenWithParams(filepath.Join(bundleDir, sparseFile), cfg.BM25.K1, cfg.BM25.B)
	if err != nil {
		chunks.Close()
		return nil, err
	}

	dense, err := denseindex.New(denseindex.Config{
		Dimensions: m.EmbeddingDim,
		Metric:     denseindex.MetricCosine,
	})
	if err != nil {
		sparse.Close()
		chunks.Close()
		return nil, err
	}
	if err := dense.Load(filepath.Join(bundleDir, denseFile)); err != nil {
		dense.Close()
		sparse.Close()
		chunks.Close()
		return nil, err
	}

	embedder, err := embed.NewFromConfig(cfg.Embedding)
	if err != nil {
		dense.Close()
		sparse.Close()
		chunks.Close()
		return nil, err
	}

	assembler := New(embedder, dense, sparse, chunks)

	return &Bundle{
		Assembler: assembler,
		embedder:  embedder,
		dense:     dense,
		sparse:    sparse,
		chunks:    chunks,
	}, nil
}

// openChunkSource picks the zstd-block chunk store when the bundle was
// packaged with one (config.ChunkStoreFormatZstdBlocks) and its file is
// actually present, falling back to plain chunks.jsonl otherwise so a
// bundle packaged before this config existed, or with the jsonl format,
// still opens correctly.
func openChunkSource(cfg *config.Config, bundleDir string) (chunkstore.Source, error) {
	if cfg.ChunkStore.Format == config.ChunkStoreFormatZstdBlocks {
		zstPath := filepath.Join(bundleDir, chunkstore.ZstdBlocksFile)
		if _, err := os.Stat(zstPath); err == nil {
			return chunkstore.LoadZstdBlocks(zstPath)
		}
	}
	return chunkstore.Load(filepath.Join(bundleDir, chunksFile))
}

// Close releases every collaborator opened by OpenBundle.
func (b *Bundle) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(b.embedder.Close())
	record(b.dense.Close())
	record(b.sparse.Close())
	record(b.chunks.Close())
	return firstErr
}
