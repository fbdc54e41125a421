// Package chunkstore implements the ChunkStore collaborator from spec §6:
// chunks.jsonl plus an in-memory offset array, giving O(1) chunk_id lookup
// without holding the whole corpus's text in memory.
package chunkstore

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/pocketwiki/pocketwikirag/internal/chunk"
	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// Record is one line of chunks.jsonl.
type Record struct {
	ChunkID    uint64 `json:"chunk_id"`
	PageID     int64  `json:"page_id"`
	PageTitle  string `json:"page_title"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

// ZstdBlocksFile is the conventional bundle filename for the zstd-block
// chunk store variant (spec.md §9's open question), built once from a
// finished chunks.jsonl by BuildZstdBlocks.
const ZstdBlocksFile = "chunks.zstblocks"

// Source is the read-only contract both Store (uncompressed JSONL) and
// ZstdBlockStore (zstd-compressed blocks) satisfy. Callers that only need to
// resolve chunk_ids to text, like retrieval.Assembler, depend on Source
// rather than either concrete type so a bundle's on-disk chunk layout can
// change without touching query-time code.
type Source interface {
	Get(chunkID uint64) (Record, error)
	Len() int
	Close() error
}

// Writer appends chunks to chunks.jsonl in chunk_id order. Chunks must
// arrive in increasing chunk_id order; that invariant is relied upon by
// Store's offset index (line N is chunk_id N).
type Writer struct {
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

// NewWriter creates (or truncates) path and returns a Writer over it.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	return &Writer{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write appends one chunk as a JSONL record.
func (w *Writer) Write(c chunk.Chunk) error {
	rec := Record{
		ChunkID:    c.ChunkID,
		PageID:     c.PageID,
		PageTitle:  c.PageTitle,
		Text:       c.Text,
		TokenCount: c.TokenCount,
	}
	if err := w.enc.Encode(rec); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}

// Flush flushes buffered writes and fsyncs the underlying file, without
// closing it (so a caller can track bytes-written for a checkpoint).
func (w *Writer) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	if err := w.f.Sync(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}

// Size returns the current size of the file being written, used to record
// output_bytes_written for the checkpoint.
func (w *Writer) Size() (int64, error) {
	if err := w.buf.Flush(); err != nil {
		return 0, pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	info, err := w.f.Stat()
	if err != nil {
		return 0, pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return info.Size(), nil
}

// Store provides O(1) chunk_id -> Record lookup over chunks.jsonl, backed
// by an in-memory array of line byte-offsets built once at Load.
type Store struct {
	mu      sync.Mutex // guards seek+read on the shared file handle
	f       *os.File
	offsets []int64 // offsets[chunk_id] = byte offset of that line's start
}

// Load scans path once, recording the byte offset of every line (every
// chunk_id, since chunks.jsonl is written in dense chunk_id order), and
// keeps the file open for subsequent Get calls.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeFileNotFound, err)
	}

	var offsets []int64
	r := bufio.NewReaderSize(f, 1<<20)
	var pos int64
	for {
		offsets = append(offsets, pos)
		line, err := r.ReadString('\n')
		pos += int64(len(line))
		if err == io.EOF {
			if line == "" {
				offsets = offsets[:len(offsets)-1] // trailing no-op entry
			}
			break
		}
		if err != nil {
			f.Close()
			return nil, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
		}
	}

	return &Store{f: f, offsets: offsets}, nil
}

// Get resolves chunk_id to its stored record. O(1): seeks directly to the
// line's recorded offset and reads+unmarshals just that line.
func (s *Store) Get(chunkID uint64) (Record, error) {
	if chunkID >= uint64(len(s.offsets)) {
		return Record{}, pwerrors.New(pwerrors.ErrCodeCorruptIndex, "chunkstore: chunk_id out of range", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.offsets[chunkID]
	if _, err := s.f.Seek(start, io.SeekStart); err != nil {
		return Record{}, pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}

	r := bufio.NewReader(s.f)
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return Record{}, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Record{}, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}
	return rec, nil
}

// Len returns the number of chunks in the store.
func (s *Store) Len() int {
	return len(s.offsets)
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	if err := s.f.Close(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}
