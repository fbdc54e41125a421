package chunkstore

import (
	"bufio"
	"encoding/json"
	"os"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// OpenAppend opens an existing chunks.jsonl for appending, used when the
// ingest stage resumes mid-stream and must continue writing after the
// byte offset recorded in the checkpoint's output_bytes_written.
func OpenAppend(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	return &Writer{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Truncate shrinks path to size bytes, used to discard a trailing partial
// record left by a killed run before resuming.
func Truncate(path string, size int64) error {
	if err := os.Truncate(path, size); err != nil && !os.IsNotExist(err) {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}
