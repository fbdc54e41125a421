package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/require"

	"github.com/pocketwiki/pocketwikirag/internal/config"
	"github.com/pocketwiki/pocketwikirag/internal/pipeline"
)

func bzip2Compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{})
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func samplePage(id int, title, text string) string {
	return fmt.Sprintf(`<page><id>%d</id><title>%s</title><revision><text>%s</text></revision></page>`, id, title, text)
}

func writeDumpFixture(t *testing.T, dir string, pages ...string) string {
	t.Helper()
	body := "<mediawiki>"
	for _, p := range pages {
		body += p
	}
	body += "</mediawiki>"
	compressed := bzip2Compress(t, []byte(body))
	path := filepath.Join(dir, "dump.xml.bz2")
	require.NoError(t, os.WriteFile(path, compressed, 0o644))
	return path
}

// buildTestBundle ingests a tiny fixture dump into a fresh bundle and writes
// a YAML config file pointing at it, returning that config file's path for
// use with the --config flag.
func buildTestBundle(t *testing.T, pages ...string) string {
	t.Helper()
	dir := t.TempDir()
	dumpPath := writeDumpFixture(t, dir, pages...)

	cfg := config.New()
	cfg.Source.URL = "file://" + dumpPath
	cfg.Source.ValidateSourceUnchanged = false
	cfg.Paths.BundleDir = filepath.Join(dir, "bundle")
	cfg.Paths.StateDir = filepath.Join(cfg.Paths.BundleDir, ".state")
	cfg.Chunking.MinChunkLength = 1
	cfg.Chunking.MaxChunkLength = 4000
	cfg.Embedding.Provider = "static"
	cfg.Embedding.Dimensions = 16
	cfg.Embedding.CacheSize = 64
	require.NoError(t, cfg.Validate())

	_, err := pipeline.NewDriver(cfg).Run(context.Background())
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "pocketwiki.yaml")
	require.NoError(t, cfg.WriteYAML(cfgPath))
	return cfgPath
}
