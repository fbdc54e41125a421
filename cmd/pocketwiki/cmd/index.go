package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pocketwiki/pocketwikirag/internal/bm25"
	"github.com/pocketwiki/pocketwikirag/internal/config"
	"github.com/pocketwiki/pocketwikirag/internal/manifest"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect a built bundle's index",
	}
	cmd.AddCommand(newIndexInspectCmd())
	return cmd
}

func newIndexInspectCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print sparse index header fields and bundle statistics",
		Long: `Inspect opens sparse.idx and manifest.json from a built bundle and
prints the BM25 index header (document count, average document length,
dictionary size, postings size) alongside the embedding model and
dimensions recorded at build time, for operational visibility.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndexInspect(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

type indexInspectOutput struct {
	Documents      uint64  `json:"documents"`
	AvgDL          float64 `json:"avgdl"`
	DictionarySize int     `json:"dictionary_terms"`
	DictionaryBytes uint64 `json:"dictionary_bytes"`
	PostingsBytes  uint64  `json:"postings_bytes"`
	ChunkCount     uint64  `json:"chunk_count"`
	EmbeddingModel string  `json:"embedding_model,omitempty"`
	EmbeddingDim   int     `json:"embedding_dim,omitempty"`
	ManifestDigest string  `json:"manifest_digest"`
}

func runIndexInspect(cmd *cobra.Command, jsonOutput bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sparsePath := filepath.Join(cfg.Paths.BundleDir, "sparse.idx")
	reader, err := bm25.Open(sparsePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", sparsePath, err)
	}
	defer func() { _ = reader.Close() }()

	manifestPath := filepath.Join(cfg.Paths.BundleDir, "manifest.json")
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", manifestPath, err)
	}

	header := reader.Stats()
	out := indexInspectOutput{
		Documents:       header.N,
		AvgDL:           header.AvgDL(),
		DictionarySize:  reader.VocabSize(),
		DictionaryBytes: header.DictBytes,
		PostingsBytes:   header.PostingsBytes,
		ChunkCount:      m.ChunkCount,
		EmbeddingModel:  m.EmbeddingModel,
		EmbeddingDim:    m.EmbeddingDim,
		ManifestDigest:  m.Digest(),
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "Index Header")
	fmt.Fprintln(w, "============")
	fmt.Fprintf(w, "  Documents:        %d\n", out.Documents)
	fmt.Fprintf(w, "  Avg doc length:   %.2f\n", out.AvgDL)
	fmt.Fprintf(w, "  Dictionary terms: %d (%d bytes)\n", out.DictionarySize, out.DictionaryBytes)
	fmt.Fprintf(w, "  Postings bytes:   %d\n", out.PostingsBytes)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Chunks:           %d\n", out.ChunkCount)
	if out.EmbeddingModel != "" {
		fmt.Fprintf(w, "  Embedding model:  %s (%d dims)\n", out.EmbeddingModel, out.EmbeddingDim)
	}
	fmt.Fprintf(w, "  Manifest digest:  %s\n", out.ManifestDigest)
	return nil
}
