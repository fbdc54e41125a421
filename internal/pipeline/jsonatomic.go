package pipeline

import (
	"encoding/json"
	"os"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// writeJSONAtomic marshals v as indented JSON and writes it to path via the
// same temp-file-then-rename discipline every other bundle artifact uses.
func writeJSONAtomic(path string, v any) (err error) {
	data, marshalErr := json.MarshalIndent(v, "", "  ")
	if marshalErr != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, marshalErr)
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
	return os.Rename(tmpPath, path)
}
