// Package pipeline drives the fixed ingest-to-bundle sequence described by
// spec §4.10: StreamParse -> Chunk -> Filter -> Embed -> DenseIndex ->
// BM25 Build -> Package. Each stage after ingest reads its declared input
// from disk and writes its declared output to disk; no stage hands state to
// the next in memory, so any stage can be skipped on a later run if its
// input and config are unchanged (§4.9) and re-run independently if they
// are not.
package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pocketwiki/pocketwikirag/internal/bm25"
	"github.com/pocketwiki/pocketwikirag/internal/checkpoint"
	"github.com/pocketwiki/pocketwikirag/internal/chunkstore"
	"github.com/pocketwiki/pocketwikirag/internal/config"
	"github.com/pocketwiki/pocketwikirag/internal/denseindex"
	"github.com/pocketwiki/pocketwikirag/internal/embed"
	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
	"github.com/pocketwiki/pocketwikirag/internal/manifest"
	"github.com/pocketwiki/pocketwikirag/internal/stage"
	"github.com/pocketwiki/pocketwikirag/internal/ui"
)

// stageUIKind maps a stage package's string stage name to the ui package's
// Stage enum, so Driver.Run can report progress without the stage runner
// itself depending on ui.
var stageUIKind = map[string]ui.Stage{
	"ingest":      ui.StageIngest,
	"embed":       ui.StageEmbed,
	"dense_index": ui.StageDenseIndex,
	"bm25_build":  ui.StageBM25Build,
	"package":     ui.StagePackage,
}

// Bundle file names, fixed by the bundle layout (spec §6).
const (
	ChunksFile    = "chunks.jsonl"
	VectorsFile   = "vectors.bin"
	DenseFile     = "dense.faiss"
	DenseMetaFile = "dense.meta.json"
	SparseFile    = "sparse.idx"
	ManifestFile  = "manifest.json"

	ingestCheckpointFile = "ingest.checkpoint.json"
)

// Driver runs the full build pipeline for one Config.
type Driver struct {
	cfg      *config.Config
	renderer ui.Renderer
}

// NewDriver returns a Driver for cfg. cfg.Paths.BundleDir and
// cfg.Paths.StateDir must already be resolvable paths.
func NewDriver(cfg *config.Config) *Driver {
	return &Driver{cfg: cfg}
}

// WithRenderer attaches a ui.Renderer that Run reports stage-start progress
// to. Optional; a nil renderer (the default) makes Run silent.
func (d *Driver) WithRenderer(r ui.Renderer) *Driver {
	d.renderer = r
	return d
}

func (d *Driver) report(ev ui.ProgressEvent) {
	if d.renderer != nil {
		d.renderer.UpdateProgress(ev)
	}
}

// Result summarizes one Run.
type Result struct {
	Stages         []stage.RunResult
	PagesProcessed int64
	ChunkCount     uint64
	Timings        ui.StageTimings
}

// Run executes every pipeline stage in order, skipping any whose declared
// input hash and outputs already match a prior successful run.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	bundleDir := d.cfg.Paths.BundleDir
	stateDir := d.cfg.Paths.StateDir

	chunksPath := filepath.Join(bundleDir, ChunksFile)
	vectorsPath := filepath.Join(bundleDir, VectorsFile)
	densePath := filepath.Join(bundleDir, DenseFile)
	denseMetaPath := filepath.Join(bundleDir, DenseMetaFile)
	sparsePath := filepath.Join(bundleDir, SparseFile)
	manifestPath := filepath.Join(bundleDir, ManifestFile)
	checkpointPath := filepath.Join(stateDir, ingestCheckpointFile)

	ingestHash, err := checkpoint.HashConfig(ingestConfigFingerprint{
		SourceURL: d.cfg.Source.URL,
		Chunking:  d.cfg.Chunking,
	})
	if err != nil {
		return Result{}, pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}

	skipIngest, err := stage.ShouldSkip(filepath.Join(stateDir, "ingest.state.json"), "ingest", ingestHash, []string{chunksPath})
	if err != nil {
		return Result{}, err
	}

	results := []stage.RunResult{}
	if skipIngest {
		results = append(results, stage.RunResult{StageName: "ingest", Skipped: true})
	} else {
		d.report(ui.ProgressEvent{Stage: ui.StageIngest, Message: "parsing dump"})
		ingestStart := time.Now()
		if err := runIngest(ctx, d.cfg, chunksPath, checkpointPath); err != nil {
			return Result{Stages: results}, err
		}
		ingestElapsed := time.Since(ingestStart)
		if err := stage.WriteState(filepath.Join(stateDir, "ingest.state.json"), stage.State{
			StageName:      "ingest",
			InputHash:      ingestHash,
			Completed:      true,
			OutputFileList: []string{chunksPath},
		}); err != nil {
			return Result{Stages: results}, err
		}
		results = append(results, stage.RunResult{StageName: "ingest", Skipped: false, Duration: ingestElapsed})
	}

	embedHash, err := checkpoint.HashConfig(d.cfg.Embedding)
	if err != nil {
		return Result{Stages: results}, pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}
	denseHash, err := checkpoint.HashConfig(struct {
		Embedding config.EmbeddingConfig
		Metric    string
	}{d.cfg.Embedding, "cos"})
	if err != nil {
		return Result{Stages: results}, pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}
	bm25Hash, err := checkpoint.HashConfig(struct{ Chunks string }{chunksPath})
	if err != nil {
		return Result{Stages: results}, pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}
	packageHash, err := checkpoint.HashConfig(struct{ V int }{manifest.ManifestVersion})
	if err != nil {
		return Result{Stages: results}, pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}

	stages := []stage.Stage{
		{
			Name:      "embed",
			InputHash: embedHash,
			Outputs:   []string{vectorsPath},
			Run: func() error {
				return runEmbedStage(ctx, d.cfg, chunksPath, vectorsPath)
			},
		},
		{
			Name:      "dense_index",
			InputHash: denseHash,
			Outputs:   []string{densePath, denseMetaPath},
			Run: func() error {
				return runDenseIndexStage(d.cfg, vectorsPath, densePath, denseMetaPath)
			},
		},
		{
			Name:      "bm25_build",
			InputHash: bm25Hash,
			Outputs:   []string{sparsePath},
			Run: func() error {
				return runBM25Stage(ctx, chunksPath, sparsePath)
			},
		},
		{
			Name:      "package",
			InputHash: packageHash,
			Outputs:   []string{manifestPath},
			Run: func() error {
				return runPackageStage(d.cfg, bundleDir, chunksPath, vectorsPath, densePath, denseMetaPath, sparsePath, manifestPath)
			},
		},
	}

	runner := stage.NewRunner(stateDir)
	runner.OnStageStart = func(name string) {
		d.report(ui.ProgressEvent{Stage: stageUIKind[name], Message: name})
	}
	stageResults, err := runner.Run(stages)
	results = append(results, stageResults...)
	if err != nil {
		return Result{Stages: results}, err
	}

	res := Result{Stages: results, Timings: buildTimings(results)}
	if cp, found, err := checkpoint.Load(checkpointPath); err == nil && found {
		res.PagesProcessed = cp.PagesProcessed
	}
	if m, err := manifest.Load(manifestPath); err == nil {
		res.ChunkCount = m.ChunkCount
	}
	return res, nil
}

// buildTimings maps stage.RunResult durations onto the ui package's
// per-stage timing breakdown.
func buildTimings(results []stage.RunResult) ui.StageTimings {
	var t ui.StageTimings
	for _, r := range results {
		switch r.StageName {
		case "ingest":
			t.Ingest = r.Duration
		case "embed":
			t.Embed = r.Duration
		case "dense_index":
			t.DenseIndex = r.Duration
		case "bm25_build":
			t.BM25Build = r.Duration
		case "package":
			t.Package = r.Duration
		}
	}
	return t
}

func runEmbedStage(ctx context.Context, cfg *config.Config, chunksPath, vectorsPath string) error {
	store, err := chunkstore.Load(chunksPath)
	if err != nil {
		return err
	}
	defer store.Close()

	embedder, err := embed.NewFromConfig(cfg.Embedding)
	if err != nil {
		return err
	}
	defer embedder.Close()

	n := store.Len()
	chunkIDs := make([]uint64, 0, n)
	texts := make([]string, 0, embed.DefaultBatchSize)
	ids := make([]uint64, 0, embed.DefaultBatchSize)
	vectors := make([][]float32, 0, n)

	flush := func() error {
		if len(texts) == 0 {
			return nil
		}
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return pwerrors.Wrap(pwerrors.ErrCodeEmbeddingFailed, err)
		}
		vectors = append(vectors, vecs...)
		chunkIDs = append(chunkIDs, ids...)
		texts = texts[:0]
		ids = ids[:0]
		return nil
	}

	for id := uint64(0); id < uint64(n); id++ {
		rec, err := store.Get(id)
		if err != nil {
			return err
		}
		texts = append(texts, rec.Text)
		ids = append(ids, id)
		if len(texts) >= embed.DefaultBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	return writeVectors(vectorsPath, chunkIDs, vectors, embedder.Dimensions())
}

type denseMeta struct {
	EmbeddingModel string `json:"embedding_model"`
	Dimensions     int    `json:"dimensions"`
	Metric         string `json:"metric"`
	Count          int    `json:"count"`
}

func runDenseIndexStage(cfg *config.Config, vectorsPath, densePath, denseMetaPath string) error {
	chunkIDs, vectors, dims, err := readVectors(vectorsPath)
	if err != nil {
		return err
	}

	idx, err := denseindex.New(denseindex.Config{
		Dimensions: dims,
		Metric:     denseindex.MetricCosine,
	})
	if err != nil {
		return err
	}
	defer idx.Close()

	for i, id := range chunkIDs {
		if err := idx.Add(id, vectors[i]); err != nil {
			return err
		}
	}

	if err := idx.Save(densePath); err != nil {
		return err
	}

	return writeJSONAtomic(denseMetaPath, denseMeta{
		EmbeddingModel: cfg.Embedding.Model,
		Dimensions:     dims,
		Metric:         string(denseindex.MetricCosine),
		Count:          len(chunkIDs),
	})
}

func runBM25Stage(ctx context.Context, chunksPath, sparsePath string) error {
	store, err := chunkstore.Load(chunksPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sb := bm25.NewSpillBuilder(ctx, bm25.DefaultSpillConfig())
	for id := uint64(0); id < uint64(store.Len()); id++ {
		rec, err := store.Get(id)
		if err != nil {
			return err
		}
		if err := sb.Add(id, rec.Text); err != nil {
			return err
		}
	}
	return sb.Build(sparsePath)
}

func runPackageStage(cfg *config.Config, bundleDir, chunksPath, vectorsPath, densePath, denseMetaPath, sparsePath, manifestPath string) error {
	reader, err := bm25.OpenWithParams(sparsePath, cfg.BM25.K1, cfg.BM25.B)
	if err != nil {
		return err
	}
	defer reader.Close()

	m := manifest.New()
	m.ChunkCount = reader.N()
	m.AvgDL = reader.AvgDL()
	m.EmbeddingModel = cfg.Embedding.Model
	m.EmbeddingDim = cfg.Embedding.Dimensions

	bm25Hash, err := checkpoint.HashConfig(cfg.BM25)
	if err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}
	fusionHash, err := checkpoint.HashConfig(cfg.Fusion)
	if err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}
	m.StageConfigs["bm25"] = bm25Hash
	m.StageConfigs["fusion"] = fusionHash

	bundleFiles := []string{chunksPath, vectorsPath, densePath, denseMetaPath, sparsePath}

	if cfg.ChunkStore.Format == config.ChunkStoreFormatZstdBlocks {
		zstPath := filepath.Join(bundleDir, chunkstore.ZstdBlocksFile)
		if err := chunkstore.BuildZstdBlocks(chunksPath, zstPath, cfg.ChunkStore.BlockChunks); err != nil {
			return err
		}
		bundleFiles = append(bundleFiles, zstPath)
	}

	for _, f := range bundleFiles {
		if err := m.AddFile(bundleDir, f); err != nil {
			return err
		}
	}

	m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	return m.Write(manifestPath)
}
