package pipeline

import (
	"bufio"
	"encoding/binary"
	"os"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// vectorsHeader is the fixed 12-byte prefix of vectors.bin: chunk count and
// embedding dimension, so DenseIndex can size its index before reading a
// single vector.
type vectorsHeader struct {
	Count uint64
	Dims  uint32
}

// writeVectors serializes chunk_id -> vector pairs in chunk_id order to
// path, atomically. vectors[i] corresponds to chunkIDs[i].
func writeVectors(path string, chunkIDs []uint64, vectors [][]float32, dims int) (err error) {
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

	w := bufio.NewWriterSize(f, 1<<20)
	if err = binary.Write(w, binary.LittleEndian, vectorsHeader{Count: uint64(len(chunkIDs)), Dims: uint32(dims)}); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	for i, id := range chunkIDs {
		if err = binary.Write(w, binary.LittleEndian, id); err != nil {
			return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
		}
		for _, f32 := range vectors[i] {
			if err = binary.Write(w, binary.LittleEndian, f32); err != nil {
				return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
			}
		}
	}
	if err = w.Flush(); err != nil {
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

// readVectors reads back what writeVectors wrote.
func readVectors(path string) (chunkIDs []uint64, vectors [][]float32, dims int, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		return nil, nil, 0, pwerrors.Wrap(pwerrors.ErrCodeFileNotFound, openErr)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	var h vectorsHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, nil, 0, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}

	chunkIDs = make([]uint64, h.Count)
	vectors = make([][]float32, h.Count)
	for i := range chunkIDs {
		if err := binary.Read(r, binary.LittleEndian, &chunkIDs[i]); err != nil {
			return nil, nil, 0, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
		}
		vec := make([]float32, h.Dims)
		if err := binary.Read(r, binary.LittleEndian, &vec); err != nil {
			return nil, nil, 0, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
		}
		vectors[i] = vec
	}
	return chunkIDs, vectors, int(h.Dims), nil
}
