package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pocketwiki/pocketwikirag/internal/config"
	"github.com/pocketwiki/pocketwikirag/internal/retrieval"
)

type queryOptions struct {
	limit    int
	denseK   int
	sparseK  int
	format   string // "text", "json"
	bm25Only bool
	dedup    bool
}

func newQueryCmd() *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a one-shot hybrid query against a built bundle",
		Long: `Query fuses dense (HNSW) and sparse (BM25) retrieval over an
already-built bundle using Reciprocal Rank Fusion, and prints the
citation-annotated chunks that survive fusion.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			return runQuery(cmd.Context(), cmd, q, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of fused results")
	cmd.Flags().IntVar(&opts.denseK, "dense-k", 0, "Dense candidates considered before fusion (0 uses --limit)")
	cmd.Flags().IntVar(&opts.sparseK, "sparse-k", 0, "Sparse candidates considered before fusion (0 uses --limit)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVar(&opts.bm25Only, "bm25-only", false, "Reset --dense-k and --sparse-k to --limit; dense retrieval still runs and is fused")
	cmd.Flags().BoolVar(&opts.dedup, "dedup-by-page", false, "Keep at most one chunk per wiki page")

	return cmd
}

func runQuery(ctx context.Context, cmd *cobra.Command, q string, opts queryOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	bundle, err := retrieval.OpenBundle(cfg)
	if err != nil {
		return fmt.Errorf("opening bundle %s: %w", cfg.Paths.BundleDir, err)
	}
	defer func() { _ = bundle.Close() }()

	queryOpts := retrieval.Options{
		DenseK:      opts.denseK,
		SparseK:     opts.sparseK,
		FusedK:      opts.limit,
		DedupByPage: opts.dedup,
	}
	if opts.bm25Only {
		queryOpts.DenseK = 0
		queryOpts.SparseK = opts.limit
	}

	results, err := bundle.Assembler.Query(ctx, q, queryOpts)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	switch opts.format {
	case "json":
		return formatQueryJSON(cmd, results)
	default:
		return formatQueryText(cmd, q, results)
	}
}

func formatQueryJSON(cmd *cobra.Command, results []retrieval.RetrievedChunk) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func formatQueryText(cmd *cobra.Command, q string, results []retrieval.RetrievedChunk) error {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		_, err := fmt.Fprintf(out, "No results for %q\n", q)
		return err
	}

	_, _ = fmt.Fprintf(out, "Results for %q (%d):\n\n", q, len(results))
	for i, r := range results {
		_, _ = fmt.Fprintf(out, "%d. %s (score: %.4f)\n", i+1, r.PageTitle, r.Score)
		text := r.Text
		if len(text) > 240 {
			text = text[:240] + "..."
		}
		_, _ = fmt.Fprintf(out, "   %s\n\n", text)
	}
	return nil
}
