package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketwiki/pocketwikirag/internal/checkpoint"
	"github.com/pocketwiki/pocketwikirag/internal/config"
	"github.com/pocketwiki/pocketwikirag/internal/manifest"
	"github.com/pocketwiki/pocketwikirag/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show bundle health and status",
		Long: `Display information about the current bundle including:
  - Number of ingested pages and chunks
  - Last build time
  - Storage sizes (chunks, BM25 index, dense vectors)
  - Embedder configuration`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(_ context.Context, cmd *cobra.Command, jsonOutput bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	manifestPath := filepath.Join(cfg.Paths.BundleDir, "manifest.json")
	if !fileExists(manifestPath) {
		return fmt.Errorf("no bundle found at %s\nRun 'pocketwiki build' to create one", cfg.Paths.BundleDir)
	}

	info, err := collectStatus(cfg, manifestPath)
	if err != nil {
		return fmt.Errorf("collecting status: %w", err)
	}

	noColor := ui.DetectNoColor()
	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor)

	if jsonOutput {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}

func collectStatus(cfg *config.Config, manifestPath string) (ui.StatusInfo, error) {
	info := ui.StatusInfo{
		ProjectName: filepath.Base(cfg.Paths.BundleDir),
		SourceURL:   cfg.Source.URL,
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return info, fmt.Errorf("loading manifest: %w", err)
	}
	info.TotalChunks = int(m.ChunkCount)
	if ts, err := manifestModTime(manifestPath); err == nil {
		info.LastIndexed = ts
	}

	if cp, found, err := loadCheckpointPages(cfg); err == nil && found {
		info.TotalPages = cp
	}

	info.MetadataSize = getFileSize(filepath.Join(cfg.Paths.BundleDir, "chunks.jsonl"))
	info.BM25Size = getFileSize(filepath.Join(cfg.Paths.BundleDir, "sparse.idx"))
	info.VectorSize = getFileSize(filepath.Join(cfg.Paths.BundleDir, "dense.faiss")) +
		getFileSize(filepath.Join(cfg.Paths.BundleDir, "vectors.bin"))
	info.TotalSize = info.MetadataSize + info.BM25Size + info.VectorSize

	info.EmbedderType = cfg.Embedding.Provider
	info.EmbedderModel = cfg.Embedding.Model
	info.EmbedderStatus = "ready"
	if m.EmbeddingModel != "" && m.EmbeddingModel != cfg.Embedding.Model {
		info.EmbedderStatus = "error"
	}

	return info, nil
}

func manifestModTime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

func loadCheckpointPages(cfg *config.Config) (int, bool, error) {
	path := filepath.Join(cfg.Paths.StateDir, "ingest.checkpoint.json")
	cp, found, err := checkpoint.Load(path)
	if err != nil || !found {
		return 0, found, err
	}
	return int(cp.PagesProcessed), true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func getFileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
