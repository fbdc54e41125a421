// Package checkpoint persists and restores fine-grained ingest progress for
// the streaming pipeline's byte-source stage, so a killed run can resume
// without re-downloading or re-parsing bytes it already consumed.
package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
	"github.com/pocketwiki/pocketwikirag/internal/filelock"
)

// CheckpointVersion is written on every save and rejected if a future
// incompatible schema change bumps it.
const CheckpointVersion = 1

// Checkpoint is the durable record of streaming-stage progress, per §4.8.
type Checkpoint struct {
	SourceURL  string `json:"source_url"`
	SourceETag string `json:"source_etag"`

	// CompressedBytesRead advances only as bz2 input is fully consumed.
	CompressedBytesRead int64 `json:"compressed_bytes_read"`
	// PagesProcessed counts Page records emitted to output.
	PagesProcessed   int64  `json:"pages_processed"`
	LastPageID       int64  `json:"last_page_id"`
	LastPageTitle    string `json:"last_page_title"`

	OutputFile         string `json:"output_file"`
	OutputBytesWritten int64  `json:"output_bytes_written"`

	// ConfigHash is the hash of the stage config that produced this
	// checkpoint; a mismatch on resume discards it (resume step 5).
	ConfigHash string `json:"config_hash"`

	LastCheckpointTime time.Time `json:"last_checkpoint_time"`
	CheckpointVersion  int       `json:"checkpoint_version"`
}

// Trigger bounds how often Manager.MaybeWrite actually writes to disk.
type Trigger struct {
	EveryPages   int64
	EveryBytes   int64
	EverySeconds time.Duration
}

// DefaultTrigger returns sensible checkpoint-write cadence defaults.
func DefaultTrigger() Trigger {
	return Trigger{
		EveryPages:   1000,
		EveryBytes:   64 << 20,
		EverySeconds: 30 * time.Second,
	}
}

// Manager owns a single checkpoint file exclusively: no other writer may
// touch it for the lifetime of a run.
type Manager struct {
	path    string
	trigger Trigger
	lock    *filelock.FileLock

	current Checkpoint

	pagesSinceWrite int64
	bytesSinceWrite int64
	lastWriteTime   time.Time
}

// NewManager creates a Manager for the checkpoint file at path. The file is
// not created until the first Write.
func NewManager(path string, trigger Trigger) *Manager {
	return &Manager{
		path:    path,
		trigger: trigger,
		lock:    filelock.New(path + ".lock"),
	}
}

// Load reads an existing checkpoint from disk. A missing file is not an
// error: it returns (Checkpoint{}, false, nil) so the caller starts fresh.
func Load(path string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, pwerrors.Wrap(pwerrors.ErrCodeCheckpointMismatch, err)
	}
	return cp, true, nil
}

// ResumeDecision captures why a resume was accepted or rejected (§4.8
// steps 1-5, evaluated in order; any NO discards the checkpoint).
type ResumeDecision struct {
	Resume bool
	Reason string
}

// DecideResume evaluates the §4.8 resume gate. currentSourceURL,
// validateETag, serverETag, and configHash describe the run about to
// start; outputSize and outputExists describe the checkpoint's declared
// output file as it is on disk now (outputExists is false if it is missing).
func DecideResume(cp Checkpoint, found bool, currentSourceURL string, validateETag bool, serverETag string, configHash string, outputSize int64, outputExists bool) ResumeDecision {
	if !found {
		return ResumeDecision{Resume: false, Reason: "no checkpoint file"}
	}
	if cp.SourceURL != currentSourceURL {
		return ResumeDecision{Resume: false, Reason: "source_url changed"}
	}
	if validateETag && cp.SourceETag != serverETag {
		return ResumeDecision{Resume: false, Reason: "source_etag changed"}
	}
	if !outputExists || outputSize != cp.OutputBytesWritten {
		return ResumeDecision{Resume: false, Reason: "output file missing or size mismatch"}
	}
	if cp.ConfigHash != configHash {
		return ResumeDecision{Resume: false, Reason: "config_hash changed"}
	}
	return ResumeDecision{Resume: true, Reason: "checkpoint valid"}
}

// Start initializes the manager's in-memory state, either fresh or from a
// resumed checkpoint.
func (m *Manager) Start(cp Checkpoint) {
	m.current = cp
	m.lastWriteTime = time.Now()
}

// Current returns the manager's in-memory checkpoint state.
func (m *Manager) Current() Checkpoint {
	return m.current
}

// Advance records that n pages and byteDelta compressed bytes were
// consumed since the last write, updating last_page_id/title.
func (m *Manager) Advance(n int64, byteDelta int64, lastPageID int64, lastPageTitle string) {
	m.current.PagesProcessed += n
	m.current.CompressedBytesRead += byteDelta
	m.current.LastPageID = lastPageID
	m.current.LastPageTitle = lastPageTitle
	m.pagesSinceWrite += n
	m.bytesSinceWrite += byteDelta
}

// SetOutput records the output file's path and the byte offset written so
// far, used by Write and by the resume gate's truncation check.
func (m *Manager) SetOutput(path string, bytesWritten int64) {
	m.current.OutputFile = path
	m.current.OutputBytesWritten = bytesWritten
}

// ShouldWrite reports whether the configured trigger thresholds have been
// crossed since the last successful write.
func (m *Manager) ShouldWrite() bool {
	if m.trigger.EveryPages > 0 && m.pagesSinceWrite >= m.trigger.EveryPages {
		return true
	}
	if m.trigger.EveryBytes > 0 && m.bytesSinceWrite >= m.trigger.EveryBytes {
		return true
	}
	if m.trigger.EverySeconds > 0 && time.Since(m.lastWriteTime) >= m.trigger.EverySeconds {
		return true
	}
	return false
}

// MaybeWrite writes the checkpoint if ShouldWrite reports true.
func (m *Manager) MaybeWrite() error {
	if !m.ShouldWrite() {
		return nil
	}
	return m.Write()
}

// Write persists the checkpoint atomically: write to <path>.tmp, fsync,
// rename over <path>. Held under an exclusive file lock so a concurrent
// process cannot observe a half-written file even across machines sharing
// the same mount.
func (m *Manager) Write() (err error) {
	if err := m.lock.Lock(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	defer func() {
		if uerr := m.lock.Unlock(); uerr != nil && err == nil {
			err = pwerrors.Wrap(pwerrors.ErrCodeFilePermission, uerr)
		}
	}()

	m.current.CheckpointVersion = CheckpointVersion
	m.current.LastCheckpointTime = time.Now()

	data, marshalErr := json.MarshalIndent(m.current, "", "  ")
	if marshalErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, marshalErr)
	}

	if mkErr := os.MkdirAll(filepath.Dir(m.path), 0o755); mkErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, mkErr)
	}

	tmpPath := m.path + ".tmp"
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
	if err = os.Rename(tmpPath, m.path); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}

	m.pagesSinceWrite = 0
	m.bytesSinceWrite = 0
	m.lastWriteTime = time.Now()
	return nil
}

// Discard removes the checkpoint file, used on force_restart or an
// ETag/config mismatch.
func (m *Manager) Discard() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	m.current = Checkpoint{}
	m.pagesSinceWrite = 0
	m.bytesSinceWrite = 0
	return nil
}

// HashConfig produces a stable digest of a stage's config for the resume
// gate and for StageState.input_hash (C9 shares this helper).
func HashConfig(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash config: %w", err)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}
