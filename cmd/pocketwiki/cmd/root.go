// Package cmd provides the CLI commands for pocketwiki.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pocketwiki/pocketwikirag/internal/logging"
	"github.com/pocketwiki/pocketwikirag/pkg/version"
)

var (
	configPath string
	debugMode  bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the pocketwiki CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pocketwiki",
		Short: "Build and query offline-queryable MediaWiki retrieval bundles",
		Long: `PocketWikiRAG streams a MediaWiki XML dump into a compressed BM25
lexical index and a dense HNSW index, packages both into a portable bundle,
and serves hybrid (lexical + semantic) retrieval over it.

Run 'pocketwiki build' to produce a bundle from a dump, then 'pocketwiki
query' or 'pocketwiki serve' to retrieve from it.`,
		Version: version.Version,
	}

	cmd.SetVersionTemplate("pocketwiki version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a pocketwiki.yaml config file (defaults built in)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to the configured log file")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func startLogging(_ *cobra.Command, _ []string) error {
	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Info("debug logging enabled", slog.String("log_file", logging.DefaultLogPath()))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}
