// Package config loads the single immutable Config struct that drives a
// pocketwiki build, resume, query, or serve invocation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete PocketWikiRAG configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Source     SourceConfig     `yaml:"source" json:"source"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
	BM25       BM25Config       `yaml:"bm25" json:"bm25"`
	Fusion     FusionConfig     `yaml:"fusion" json:"fusion"`
	Embedding  EmbeddingConfig  `yaml:"embedding" json:"embedding"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	ChunkStore ChunkStoreConfig `yaml:"chunk_store" json:"chunk_store"`
}

// Chunk store format names accepted by ChunkStoreConfig.Format.
const (
	ChunkStoreFormatJSONL      = "jsonl"
	ChunkStoreFormatZstdBlocks = "zstdblocks"
)

// ChunkStoreConfig selects the on-disk layout chunks.jsonl's text is served
// from at query time: plain JSONL (the default; what ingest always writes
// and can append-resume into) or zstd-compressed blocks, built once at
// package time into a smaller chunks.zstblocks bundle artifact.
type ChunkStoreConfig struct {
	Format      string `yaml:"format" json:"format"`
	BlockChunks int    `yaml:"block_chunks" json:"block_chunks"`
}

// SourceConfig describes where the dump comes from and how to fetch it.
type SourceConfig struct {
	URL                     string `yaml:"url" json:"url"`
	ValidateSourceUnchanged bool   `yaml:"validate_source_unchanged" json:"validate_source_unchanged"`
	MaxRetries              int    `yaml:"max_retries" json:"max_retries"`
	NetworkChunkBytes       int    `yaml:"network_chunk_bytes" json:"network_chunk_bytes"`
	RequestTimeout          string `yaml:"request_timeout" json:"request_timeout"`
}

// ChunkingConfig bounds emitted chunk size.
type ChunkingConfig struct {
	MaxChunkTokens int  `yaml:"max_chunk_tokens" json:"max_chunk_tokens"`
	MinChunkLength int  `yaml:"min_chunk_length" json:"min_chunk_length"`
	MaxChunkLength int  `yaml:"max_chunk_length" json:"max_chunk_length"`
	SkipRedirects  bool `yaml:"skip_redirects" json:"skip_redirects"`
}

// CheckpointConfig configures the checkpoint write-trigger cadence.
type CheckpointConfig struct {
	EveryPages   int `yaml:"every_pages" json:"every_pages"`
	EveryBytes   int `yaml:"every_bytes" json:"every_bytes"`
	EverySeconds int `yaml:"every_seconds" json:"every_seconds"`
}

// BM25Config configures the Okapi BM25 scoring constants.
type BM25Config struct {
	K1 float64 `yaml:"k1" json:"k1"`
	B  float64 `yaml:"b" json:"b"`
}

// FusionConfig configures Reciprocal Rank Fusion.
type FusionConfig struct {
	K       int `yaml:"k" json:"k"`
	DenseK  int `yaml:"dense_k" json:"dense_k"`
	SparseK int `yaml:"sparse_k" json:"sparse_k"`
	FusedK  int `yaml:"fused_k" json:"fused_k"`
}

// EmbeddingConfig selects and configures the dense-vector Embedder used by
// both the ingest pipeline's Embed stage and the retrieval assembler.
type EmbeddingConfig struct {
	// Provider is "ollama" or "static". "static" needs no running service
	// and is used for offline bundles and tests.
	Provider   string `yaml:"provider" json:"provider"`
	Host       string `yaml:"host" json:"host"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size"`
}

// PathsConfig lays out the bundle directory.
type PathsConfig struct {
	BundleDir string `yaml:"bundle_dir" json:"bundle_dir"`
	StateDir  string `yaml:"state_dir" json:"state_dir"`
}

// ServerConfig configures the retrieval-serving surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	FilePath   string `yaml:"file_path" json:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	Stderr     bool   `yaml:"stderr" json:"stderr"`
}

// New returns a Config populated with PocketWikiRAG's defaults.
func New() *Config {
	return &Config{
		Version: 1,
		Source: SourceConfig{
			ValidateSourceUnchanged: true,
			MaxRetries:              5,
			NetworkChunkBytes:       1 << 20,
			RequestTimeout:          "30s",
		},
		Chunking: ChunkingConfig{
			MaxChunkTokens: 512,
			MinChunkLength: 200,
			MaxChunkLength: 4000,
			SkipRedirects:  true,
		},
		Checkpoint: CheckpointConfig{
			EveryPages:   1000,
			EveryBytes:   64 << 20,
			EverySeconds: 30,
		},
		BM25: BM25Config{
			K1: 1.2,
			B:  0.75,
		},
		Fusion: FusionConfig{
			K:       60,
			DenseK:  50,
			SparseK: 50,
			FusedK:  10,
		},
		Embedding: EmbeddingConfig{
			Provider:   "static",
			Host:       "http://localhost:11434",
			Model:      "qwen3-embedding:0.6b",
			Dimensions: 256,
			CacheSize:  16384,
		},
		Paths: PathsConfig{
			BundleDir: "./bundle",
			StateDir:  "./bundle/.state",
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8765",
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "",
			MaxSizeMB:  64,
			MaxBackups: 5,
			Stderr:     true,
		},
		ChunkStore: ChunkStoreConfig{
			Format:      ChunkStoreFormatJSONL,
			BlockChunks: 256,
		},
	}
}

// Load reads a YAML config file at path, applies it over New()'s defaults,
// layers POCKETWIKI_* environment variable overrides on top, and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := New()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("POCKETWIKI_SOURCE_URL"); v != "" {
		c.Source.URL = v
	}
	if v := os.Getenv("POCKETWIKI_BUNDLE_DIR"); v != "" {
		c.Paths.BundleDir = v
	}
	if v := os.Getenv("POCKETWIKI_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("POCKETWIKI_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("POCKETWIKI_BM25_K1"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.BM25.K1 = f
		}
	}
	if v := os.Getenv("POCKETWIKI_BM25_B"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.BM25.B = f
		}
	}
	if v := os.Getenv("POCKETWIKI_FUSION_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fusion.K = n
		}
	}
	if v := os.Getenv("POCKETWIKI_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("POCKETWIKI_EMBEDDING_HOST"); v != "" {
		c.Embedding.Host = v
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Source.URL == "" {
		return fmt.Errorf("source.url must be set")
	}
	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("source.max_retries must be non-negative, got %d", c.Source.MaxRetries)
	}
	if c.Chunking.MaxChunkTokens <= 0 {
		return fmt.Errorf("chunking.max_chunk_tokens must be positive, got %d", c.Chunking.MaxChunkTokens)
	}
	if c.Chunking.MinChunkLength < 0 || c.Chunking.MaxChunkLength <= 0 {
		return fmt.Errorf("chunking length bounds must be non-negative and max_chunk_length positive")
	}
	if c.Chunking.MinChunkLength > c.Chunking.MaxChunkLength {
		return fmt.Errorf("chunking.min_chunk_length (%d) must not exceed max_chunk_length (%d)", c.Chunking.MinChunkLength, c.Chunking.MaxChunkLength)
	}
	if c.BM25.K1 <= 0 {
		return fmt.Errorf("bm25.k1 must be positive, got %f", c.BM25.K1)
	}
	if c.BM25.B < 0 || c.BM25.B > 1 {
		return fmt.Errorf("bm25.b must be between 0 and 1, got %f", c.BM25.B)
	}
	if c.Fusion.K <= 0 {
		return fmt.Errorf("fusion.k must be positive, got %d", c.Fusion.K)
	}
	validProviders := map[string]bool{"ollama": true, "static": true}
	if !validProviders[strings.ToLower(c.Embedding.Provider)] {
		return fmt.Errorf("embedding.provider must be 'ollama' or 'static', got %s", c.Embedding.Provider)
	}
	if c.Paths.BundleDir == "" {
		return fmt.Errorf("paths.bundle_dir must be set")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	validChunkStoreFormats := map[string]bool{ChunkStoreFormatJSONL: true, ChunkStoreFormatZstdBlocks: true}
	if !validChunkStoreFormats[strings.ToLower(c.ChunkStore.Format)] {
		return fmt.Errorf("chunk_store.format must be '%s' or '%s', got %s", ChunkStoreFormatJSONL, ChunkStoreFormatZstdBlocks, c.ChunkStore.Format)
	}
	if c.ChunkStore.Format == ChunkStoreFormatZstdBlocks && c.ChunkStore.BlockChunks <= 0 {
		return fmt.Errorf("chunk_store.block_chunks must be positive when format is '%s', got %d", ChunkStoreFormatZstdBlocks, c.ChunkStore.BlockChunks)
	}
	return nil
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
