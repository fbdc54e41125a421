// Package denseindex wraps github.com/coder/hnsw as the external dense
// nearest-neighbor collaborator described by the DenseIndex interface in
// spec §6: search(vector, k) -> ordered list<(chunk_id, float)>. The core
// treats it as opaque; this package only adapts its API to chunk_id keys and
// gives it the same atomic save/load discipline as the BM25 index.
package denseindex

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// Metric selects the distance function used by the graph.
type Metric string

const (
	MetricCosine    Metric = "cos"
	MetricEuclidean Metric = "l2"
)

// Config configures a HNSWIndex.
type Config struct {
	Dimensions int
	Metric     Metric
	M          int // graph connectivity; 0 selects the library default
	EfSearch   int // search-time candidate list size; 0 selects the library default
}

// HNSWIndex is the dense ANN index keyed directly by chunk_id, since chunk_id
// is the single integer that joins the sparse and dense sides of the bundle
// (spec §9): no string<->id translation layer is needed here.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config
	closed bool
}

// New creates an empty HNSWIndex ready to receive vectors.
func New(cfg Config) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, pwerrors.New(pwerrors.ErrCodeConfigInvalid, "denseindex: dimensions must be positive", nil)
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case MetricEuclidean:
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{graph: graph, config: cfg}, nil
}

// Add inserts or replaces the vector for chunkID. Build order is fixed by
// the pipeline: the filter stage emits chunks in chunk_id order and this
// index must be populated in that same order (spec §9).
func (idx *HNSWIndex) Add(chunkID uint64, vector []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return pwerrors.New(pwerrors.ErrCodeInternal, "denseindex: index is closed", nil)
	}
	if len(vector) != idx.config.Dimensions {
		return pwerrors.New(pwerrors.ErrCodeConfigInvalid, "denseindex: vector dimension mismatch", nil).
			WithDetail("expected", fmt.Sprint(idx.config.Dimensions)).
			WithDetail("got", fmt.Sprint(len(vector)))
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)
	if idx.config.Metric == MetricCosine {
		normalizeInPlace(vec)
	}

	idx.graph.Add(hnsw.MakeNode(chunkID, vec))
	return nil
}

// Hit is one scored nearest-neighbor result.
type Hit struct {
	ChunkID uint64
	Score   float32
}

// Search returns up to k nearest neighbors of query, ordered by descending
// similarity score.
func (idx *HNSWIndex) Search(query []float32, k int) ([]Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, pwerrors.New(pwerrors.ErrCodeInternal, "denseindex: index is closed", nil)
	}
	if len(query) != idx.config.Dimensions {
		return nil, pwerrors.New(pwerrors.ErrCodeConfigInvalid, "denseindex: query dimension mismatch", nil)
	}
	if idx.graph.Len() == 0 || k <= 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if idx.config.Metric == MetricCosine {
		normalizeInPlace(q)
	}

	nodes := idx.graph.Search(q, k)
	hits := make([]Hit, 0, len(nodes))
	for _, n := range nodes {
		d := idx.graph.Distance(q, n.Value)
		hits = append(hits, Hit{ChunkID: n.Key, Score: distanceToScore(d, idx.config.Metric)})
	}
	return hits, nil
}

// Len returns the number of vectors in the index.
func (idx *HNSWIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return 0
	}
	return idx.graph.Len()
}

// Save persists the graph to path atomically (temp file + rename), matching
// the bundle's write-once-read-many discipline.
func (idx *HNSWIndex) Save(path string) (err error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}

	tmpPath := path + ".tmp"
	f, createErr := os.Create(tmpPath)
	if createErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, createErr)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if err = idx.graph.Export(f); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}
	if err = f.Close(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}

// Load opens a previously saved graph. The index must already be
// constructed with the same Config used at save time.
func (idx *HNSWIndex) Load(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFileNotFound, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := idx.graph.Import(r); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}
	return nil
}

// Close releases the index. A closed index rejects further Add/Search calls.
func (idx *HNSWIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.closed = true
	idx.graph = nil
	return nil
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

func distanceToScore(distance float32, metric Metric) float32 {
	switch metric {
	case MetricEuclidean:
		return 1.0 / (1.0 + distance)
	default:
		return 1.0 - distance/2.0
	}
}
