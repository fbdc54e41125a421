package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketwiki/pocketwikirag/internal/config"
	"github.com/pocketwiki/pocketwikirag/internal/logging"
	"github.com/pocketwiki/pocketwikirag/internal/pipeline"
	"github.com/pocketwiki/pocketwikirag/internal/ui"
)

func newBuildCmd() *cobra.Command {
	var noTUI bool
	var force bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a bundle from a MediaWiki XML dump",
		Long: `Build streams a bz2-compressed MediaWiki XML dump through parse,
chunk, embed, dense-index, and BM25-build stages, then packages the result
into a bundle directory (chunks.jsonl, vectors.bin, dense.faiss, sparse.idx,
manifest.json).

Each stage is skipped automatically on a later run if its declared input and
config are unchanged from a prior successful run, so re-running 'build'
after an interrupted or partial run resumes rather than restarting. Use
--force to discard all prior stage state and checkpoints and rebuild from
scratch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBuild(ctx, cmd, noTUI, force)
		},
	}

	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "Disable TUI mode, use plain text output")
	cmd.Flags().BoolVar(&force, "force", false, "Discard prior stage state and checkpoints, rebuild from scratch")

	return cmd
}

func runBuild(ctx context.Context, cmd *cobra.Command, noTUI, force bool) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger)
		defer cleanup()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if force {
		if err := os.RemoveAll(cfg.Paths.StateDir); err != nil {
			return fmt.Errorf("clearing stage state: %w", err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cleared prior stage state, starting fresh...")
	}

	if err := os.MkdirAll(cfg.Paths.BundleDir, 0o755); err != nil {
		return fmt.Errorf("creating bundle directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	uiCfg := ui.NewConfig(cmd.OutOrStdout(), ui.WithForcePlain(noTUI), ui.WithProjectDir(cfg.Paths.BundleDir))
	renderer := ui.NewRenderer(uiCfg)
	if err := renderer.Start(ctx); err != nil {
		slog.Warn("failed to start progress renderer", slog.String("error", err.Error()))
	}
	defer func() { _ = renderer.Stop() }()

	driver := pipeline.NewDriver(cfg).WithRenderer(renderer)

	start := time.Now()
	result, err := driver.Run(ctx)
	if err != nil {
		renderer.AddError(ui.ErrorEvent{File: cfg.Source.URL, Err: err})
		return fmt.Errorf("build failed: %w", err)
	}

	renderer.Complete(ui.CompletionStats{
		Pages:    int(result.PagesProcessed),
		Chunks:   int(result.ChunkCount),
		Duration: time.Since(start),
		Stages:   result.Timings,
		Embedder: ui.EmbedderInfo{
			Backend:    cfg.Embedding.Provider,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		},
	})

	return nil
}
