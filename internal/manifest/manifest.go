// Package manifest reads and writes a bundle's manifest.json: the record
// of what was built, with what config, and how big it turned out to be
// (spec §6 Bundle layout).
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// ManifestVersion is bumped on an incompatible schema change.
const ManifestVersion = 1

// Manifest is the bundle's top-level metadata record.
type Manifest struct {
	ManifestVersion int               `json:"manifest_version"`
	CreatedAt       string            `json:"created_at"`
	ChunkCount      uint64            `json:"chunk_count"`
	AvgDL           float64           `json:"avgdl"`
	EmbeddingModel  string            `json:"embedding_model,omitempty"`
	EmbeddingDim    int               `json:"embedding_dim,omitempty"`
	StageConfigs    map[string]string `json:"stage_configs"` // stage name -> config hash
	Files           map[string]string `json:"files"`         // relative path -> sha256 hex digest
}

// New returns an empty Manifest ready to be populated.
func New() *Manifest {
	return &Manifest{
		ManifestVersion: ManifestVersion,
		StageConfigs:    make(map[string]string),
		Files:           make(map[string]string),
	}
}

// AddFile records a bundle file's digest, computed by hashing path on disk.
// path is stored relative to bundleDir.
func (m *Manifest) AddFile(bundleDir, path string) error {
	rel, err := filepath.Rel(bundleDir, path)
	if err != nil {
		rel = path
	}

	digest, err := sha256File(path)
	if err != nil {
		return err
	}
	m.Files[rel] = digest
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pwerrors.Wrap(pwerrors.ErrCodeFileNotFound, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Digest returns a stable digest of the whole manifest's file list, usable
// as a single "is this bundle intact" check.
func (m *Manifest) Digest() string {
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s:%s\n", name, m.Files[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Write serializes the manifest to path atomically.
func (m *Manifest) Write(path string) (err error) {
	data, marshalErr := json.MarshalIndent(m, "", "  ")
	if marshalErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, marshalErr)
	}

	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, mkErr)
	}

	tmpPath := path + ".tmp"
	f, createErr := os.Create(tmpPath)
	if createErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, createErr)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	if err = f.Sync(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	if err = f.Close(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}

// Load reads a manifest from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeFileNotFound, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}
	return &m, nil
}

// Verify checks that every file the manifest declares exists and matches
// its recorded digest.
func (m *Manifest) Verify(bundleDir string) error {
	for rel, wantDigest := range m.Files {
		path := filepath.Join(bundleDir, rel)
		gotDigest, err := sha256File(path)
		if err != nil {
			return err
		}
		if gotDigest != wantDigest {
			return pwerrors.New(pwerrors.ErrCodeCorruptIndex, fmt.Sprintf("manifest: digest mismatch for %s", rel), nil)
		}
	}
	return nil
}
