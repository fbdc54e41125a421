// Package retrieval implements the query-time Retrieval Assembler (spec
// §4.11): dense and sparse retrieval run in parallel, their ranked lists are
// combined by Reciprocal Rank Fusion, and surviving chunk_ids are resolved
// against the chunk store into citable text.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/pocketwiki/pocketwikirag/internal/bm25"
	"github.com/pocketwiki/pocketwikirag/internal/chunkstore"
	"github.com/pocketwiki/pocketwikirag/internal/denseindex"
	"github.com/pocketwiki/pocketwikirag/internal/embed"
	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
	"github.com/pocketwiki/pocketwikirag/internal/fusion"
	"github.com/pocketwiki/pocketwikirag/internal/token"
	"golang.org/x/sync/errgroup"
)

// RetrievedChunk is one chunk of citable context returned by Query.
type RetrievedChunk struct {
	ChunkID   uint64  `json:"chunk_id"`
	PageID    int64   `json:"page_id"`
	PageTitle string  `json:"page_title"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
}

// Options bounds a single Query call, per spec §4.11's
// query(q, dense_k, sparse_k, fused_k) contract.
type Options struct {
	DenseK              int
	SparseK             int
	FusedK              int
	FusionK             int // RRF rank-damping constant; 0 selects fusion.DefaultK
	DedupByPage         bool
	ContextWindowBudget int // max combined bytes of Text across the result; 0 means unbounded
}

// Assembler answers queries by fusing dense and sparse retrieval over one
// built bundle. It holds no mutable state past construction, so one
// Assembler may serve concurrent Query calls.
type Assembler struct {
	embedder embed.Embedder
	dense    *denseindex.HNSWIndex
	sparse   *bm25.Reader
	chunks   chunkstore.Source
}

// New builds an Assembler over already-opened bundle collaborators. Callers
// own the lifetime of each and must Close them after the Assembler is done.
func New(embedder embed.Embedder, dense *denseindex.HNSWIndex, sparse *bm25.Reader, chunks chunkstore.Source) *Assembler {
	return &Assembler{embedder: embedder, dense: dense, sparse: sparse, chunks: chunks}
}

// Query runs dense and sparse retrieval in parallel, fuses the results, and
// resolves the survivors to citable RetrievedChunks.
func (a *Assembler) Query(ctx context.Context, q string, opts Options) ([]RetrievedChunk, error) {
	if opts.FusedK <= 0 {
		opts.FusedK = 10
	}
	if opts.DenseK <= 0 {
		opts.DenseK = opts.FusedK
	}
	if opts.SparseK <= 0 {
		opts.SparseK = opts.FusedK
	}

	var denseIDs, sparseIDs []uint64

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ids, err := a.searchSparse(q, opts.SparseK)
		if err != nil {
			return err
		}
		sparseIDs = ids
		return nil
	})

	g.Go(func() error {
		ids, err := a.searchDense(gctx, q, opts.DenseK)
		if err != nil {
			return err
		}
		denseIDs = ids
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeRetrievalFailed, err)
	}

	fused := fusion.Fuse(denseIDs, sparseIDs, opts.FusionK, opts.FusedK)

	chunks := make([]RetrievedChunk, 0, len(fused))
	seenPages := make(map[int64]struct{}, len(fused))
	for _, f := range fused {
		rec, err := a.chunks.Get(f.ChunkID)
		if err != nil {
			return nil, pwerrors.Wrap(pwerrors.ErrCodeRetrievalFailed, err)
		}
		if opts.DedupByPage {
			if _, dup := seenPages[rec.PageID]; dup {
				continue
			}
			seenPages[rec.PageID] = struct{}{}
		}
		chunks = append(chunks, RetrievedChunk{
			ChunkID:   f.ChunkID,
			PageID:    rec.PageID,
			PageTitle: rec.PageTitle,
			Text:      rec.Text,
			Score:     f.Score,
		})
	}

	return truncateToBudget(chunks, opts.ContextWindowBudget), nil
}

func (a *Assembler) searchSparse(q string, topK int) ([]uint64, error) {
	terms, err := token.Tokenize(q)
	if err != nil {
		return nil, err
	}
	scored := a.sparse.Search(terms, topK)
	ids := make([]uint64, len(scored))
	for i, s := range scored {
		ids[i] = s.ChunkID
	}
	return ids, nil
}

func (a *Assembler) searchDense(ctx context.Context, q string, topK int) ([]uint64, error) {
	vecs, err := a.embedder.EmbedBatch(ctx, []string{q})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("retrieval: embedder returned %d vectors for 1 query", len(vecs))
	}

	hits, err := a.dense.Search(vecs[0], topK)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	ids := make([]uint64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return ids, nil
}

// truncateToBudget drops whole chunks from the end of the list once their
// cumulative text length would exceed budget, never splitting a chunk
// across the boundary. budget <= 0 means unbounded.
func truncateToBudget(chunks []RetrievedChunk, budget int) []RetrievedChunk {
	if budget <= 0 {
		return chunks
	}
	total := 0
	for i, c := range chunks {
		total += len(c.Text)
		if total > budget {
			return chunks[:i]
		}
	}
	return chunks
}
