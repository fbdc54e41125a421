package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketwiki/pocketwikirag/internal/config"
	"github.com/pocketwiki/pocketwikirag/internal/retrieval"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve hybrid retrieval over a built bundle via HTTP",
		Long: `Serve opens a built bundle once and answers POST /query requests with
fused, citation-annotated chunks for as long as it runs. It listens on
Server.ListenAddr from the config and shuts down gracefully on SIGINT or
SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd)
		},
	}

	return cmd
}

type queryRequest struct {
	Query       string `json:"query"`
	FusedK      int    `json:"fused_k"`
	DenseK      int    `json:"dense_k"`
	SparseK     int    `json:"sparse_k"`
	DedupByPage bool   `json:"dedup_by_page"`
}

func runServe(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	bundle, err := retrieval.OpenBundle(cfg)
	if err != nil {
		return fmt.Errorf("opening bundle %s: %w", cfg.Paths.BundleDir, err)
	}
	defer func() { _ = bundle.Close() }()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", handleQuery(bundle))
	mux.HandleFunc("GET /healthz", handleHealthz)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("serve listening", slog.String("addr", cfg.Server.ListenAddr))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Serving queries on http://%s (Ctrl+C to stop)\n", cfg.Server.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleQuery(bundle *retrieval.Bundle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.Query == "" {
			http.Error(w, "query must not be empty", http.StatusBadRequest)
			return
		}

		results, err := bundle.Assembler.Query(r.Context(), req.Query, retrieval.Options{
			FusedK:      req.FusedK,
			DenseK:      req.DenseK,
			SparseK:     req.SparseK,
			DedupByPage: req.DedupByPage,
		})
		if err != nil {
			slog.Error("query failed", slog.String("query", req.Query), slog.String("error", err.Error()))
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	}
}
