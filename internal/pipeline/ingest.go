package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pocketwiki/pocketwikirag/internal/bytesource"
	"github.com/pocketwiki/pocketwikirag/internal/checkpoint"
	"github.com/pocketwiki/pocketwikirag/internal/chunk"
	"github.com/pocketwiki/pocketwikirag/internal/chunkstore"
	"github.com/pocketwiki/pocketwikirag/internal/config"
	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
	"github.com/pocketwiki/pocketwikirag/internal/xmlstream"
)

// ingestConfigFingerprint is the subset of config that invalidates a
// checkpoint if it changes between runs (source + chunk shape).
type ingestConfigFingerprint struct {
	SourceURL string
	Chunking  config.ChunkingConfig
}

// runIngest drives the combined StreamParse -> Chunk -> Filter step, writing
// chunks.jsonl and checkpointing its progress so a killed run resumes at the
// last completed page instead of restarting the whole dump (spec §4.8).
func runIngest(ctx context.Context, cfg *config.Config, chunksPath, checkpointPath string) error {
	configHash, err := checkpoint.HashConfig(ingestConfigFingerprint{
		SourceURL: cfg.Source.URL,
		Chunking:  cfg.Chunking,
	})
	if err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}

	trigger := checkpoint.Trigger{
		EveryPages:   int64(cfg.Checkpoint.EveryPages),
		EveryBytes:   int64(cfg.Checkpoint.EveryBytes),
		EverySeconds: time.Duration(cfg.Checkpoint.EverySeconds) * time.Second,
	}
	mgr := checkpoint.NewManager(checkpointPath, trigger)

	cp, found, err := checkpoint.Load(checkpointPath)
	if err != nil {
		return err
	}

	var outputSize int64
	outputExists := false
	if info, statErr := os.Stat(chunksPath); statErr == nil {
		outputSize = info.Size()
		outputExists = true
	}

	decision := checkpoint.DecideResume(cp, found, cfg.Source.URL, cfg.Source.ValidateSourceUnchanged, cp.SourceETag, configHash, outputSize, outputExists)

	var offset int64
	var expectedETag string
	var writer *chunkstore.Writer
	var nextChunkID uint64
	var lastPageID int64 = -1

	if decision.Resume {
		slog.Info("resuming ingest", slog.Int64("last_page_id", cp.LastPageID), slog.Int64("pages_processed", cp.PagesProcessed))
		offset = cp.CompressedBytesRead
		if cfg.Source.ValidateSourceUnchanged {
			expectedETag = cp.SourceETag
		}
		lastPageID = cp.LastPageID

		if err := chunkstore.Truncate(chunksPath, cp.OutputBytesWritten); err != nil {
			return err
		}
		w, err := chunkstore.OpenAppend(chunksPath)
		if err != nil {
			return err
		}
		writer = w

		store, err := chunkstore.Load(chunksPath)
		if err != nil {
			return err
		}
		nextChunkID = uint64(store.Len())
		if err := store.Close(); err != nil {
			return err
		}

		mgr.Start(cp)
	} else {
		slog.Info("starting fresh ingest", slog.String("reason", decision.Reason))
		if err := mgr.Discard(); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(chunksPath), 0o755); err != nil {
			return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
		}
		w, err := chunkstore.NewWriter(chunksPath)
		if err != nil {
			return err
		}
		writer = w
		mgr.Start(checkpoint.Checkpoint{
			SourceURL:  cfg.Source.URL,
			ConfigHash: configHash,
		})
	}
	defer writer.Close()

	requestTimeout, parseErr := time.ParseDuration(cfg.Source.RequestTimeout)
	if parseErr != nil {
		requestTimeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: requestTimeout}

	sourceCfg := bytesource.Config{
		URL:               cfg.Source.URL,
		NetworkChunkBytes: cfg.Source.NetworkChunkBytes,
		RetryConfig:       retryConfigWithMax(cfg.Source.MaxRetries),
		HTTPClient:        httpClient,
	}

	src, err := bytesource.Open(ctx, sourceCfg, offset, expectedETag)
	if errors.Is(err, bytesource.ErrETagMismatch) {
		slog.Warn("source changed since checkpoint, restarting from zero")
		if err := mgr.Discard(); err != nil {
			return err
		}
		writer.Close()
		w, werr := chunkstore.NewWriter(chunksPath)
		if werr != nil {
			return werr
		}
		writer = w
		nextChunkID = 0
		lastPageID = -1
		mgr.Start(checkpoint.Checkpoint{SourceURL: cfg.Source.URL, ConfigHash: configHash})

		src, err = bytesource.Open(ctx, sourceCfg, 0, "")
	}
	if err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeNetworkFatal, err)
	}
	defer src.Close()

	cur := mgr.Current()
	cur.SourceETag = src.ETag()
	mgr.Start(cur)

	parser := xmlstream.New(src)
	splitter := chunk.New(chunk.Config{
		MaxChunkTokens: cfg.Chunking.MaxChunkTokens,
		MinChunkLength: cfg.Chunking.MinChunkLength,
		MaxChunkLength: cfg.Chunking.MaxChunkLength,
	})

	for {
		page, err := parser.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return flushCheckpointOnError(mgr, err)
		}

		// Resume-dedup (spec §4.8): the parser may re-emit a page whose bytes
		// straddle the resume offset; skip anything already reflected in the
		// checkpoint.
		if decision.Resume && page.ID <= lastPageID {
			continue
		}

		if cfg.Chunking.SkipRedirects && page.IsRedirect {
			lastPageID = page.ID
			mgr.Advance(1, src.CompressedBytesConsumed(), page.ID, page.Title)
			continue
		}

		frags, err := splitter.Split(page.ID, page.Title, page.Text)
		if err != nil {
			slog.Warn("page split failed, skipping", slog.Int64("page_id", page.ID), slog.String("error", err.Error()))
			frags = nil
		}

		var chunks []chunk.Chunk
		chunks, nextChunkID = chunk.AssignIDs(frags, chunk.Config{
			MaxChunkTokens: cfg.Chunking.MaxChunkTokens,
			MinChunkLength: cfg.Chunking.MinChunkLength,
			MaxChunkLength: cfg.Chunking.MaxChunkLength,
		}, nextChunkID)

		for _, c := range chunks {
			if err := writer.Write(c); err != nil {
				return flushCheckpointOnError(mgr, err)
			}
		}

		lastPageID = page.ID
		size, err := writer.Size()
		if err != nil {
			return flushCheckpointOnError(mgr, err)
		}
		mgr.Advance(1, src.CompressedBytesConsumed(), page.ID, page.Title)
		mgr.SetOutput(chunksPath, size)

		if err := mgr.MaybeWrite(); err != nil {
			return err
		}
	}

	if err := writer.Flush(); err != nil {
		return flushCheckpointOnError(mgr, err)
	}

	// Ingest completed cleanly: the §3 checkpoint lifecycle discards
	// progress state once its stage is fully done, so a later run never
	// mistakes a stale checkpoint for an in-progress one.
	return mgr.Discard()
}

// flushCheckpointOnError force-writes mgr's in-memory checkpoint state
// before a fatal mid-run error propagates upward, per spec §4.8's "always
// write before surfacing a fatal error." mgr.current already reflects the
// last page that completed Advance, so this persists everything safe to
// resume from even though the page that triggered err was never recorded.
// A failure to write here is logged, not returned: the original err is the
// one the caller needs to see.
func flushCheckpointOnError(mgr *checkpoint.Manager, err error) error {
	if werr := mgr.Write(); werr != nil {
		slog.Error("checkpoint write failed while handling fatal ingest error", slog.String("error", werr.Error()))
	}
	return err
}

func retryConfigWithMax(maxRetries int) pwerrors.RetryConfig {
	cfg := pwerrors.DefaultRetryConfig()
	if maxRetries > 0 {
		cfg.MaxRetries = maxRetries
	}
	return cfg
}
