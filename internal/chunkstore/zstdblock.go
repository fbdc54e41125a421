package chunkstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// zstBlockMagic marks a chunks.zstblocks file's trailing footer, the same
// magic-plus-trailer-offset layout mcap-style container formats use so the
// index can be found without a separate sidecar file.
const zstBlockMagic = "PWZSTBLK"

const zstBlockFooterLen = len(zstBlockMagic) + 8

// zstBlockIndexEntry locates one compressed block within the file.
type zstBlockIndexEntry struct {
	Offset        int64  `json:"offset"`
	CompressedLen int64  `json:"compressed_len"`
	FirstChunkID  uint64 `json:"first_chunk_id"`
	NumRecords    int    `json:"num_records"`
}

// BuildZstdBlocks reads every record out of the JSONL store at srcPath and
// rewrites them as blockChunks-sized zstd-compressed blocks at dstPath: the
// opaque ChunkStore backend spec.md §9 invites as an alternative to plain
// JSONL. It runs once, at package time, over a finished chunks.jsonl; the
// result is not designed to be appended to like Writer's output is.
func BuildZstdBlocks(srcPath, dstPath string, blockChunks int) (err error) {
	if blockChunks <= 0 {
		blockChunks = 256
	}

	src, err := Load(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := os.Create(dstPath)
	if err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = pwerrors.Wrap(pwerrors.ErrCodeFilePermission, cerr)
		}
	}()

	var pos int64
	var index []zstBlockIndexEntry

	writeBlock := func(recs []Record) error {
		if len(recs) == 0 {
			return nil
		}
		raw, err := marshalRecords(recs)
		if err != nil {
			return err
		}

		var compressed bytes.Buffer
		zw, err := zstd.NewWriter(&compressed, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
		}
		if _, err := zw.Write(raw); err != nil {
			zw.Close()
			return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
		}
		if err := zw.Close(); err != nil {
			return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
		}

		n, err := f.Write(compressed.Bytes())
		if err != nil {
			return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
		}
		index = append(index, zstBlockIndexEntry{
			Offset:        pos,
			CompressedLen: int64(n),
			FirstChunkID:  recs[0].ChunkID,
			NumRecords:    len(recs),
		})
		pos += int64(n)
		return nil
	}

	batch := make([]Record, 0, blockChunks)
	for id := 0; id < src.Len(); id++ {
		rec, err := src.Get(uint64(id))
		if err != nil {
			return err
		}
		batch = append(batch, rec)
		if len(batch) == blockChunks {
			if err := writeBlock(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := writeBlock(batch); err != nil {
		return err
	}

	indexOff := pos
	indexBytes, err := json.Marshal(index)
	if err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}
	if _, err := f.Write(indexBytes); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}

	footer := make([]byte, 0, zstBlockFooterLen)
	footer = append(footer, []byte(zstBlockMagic)...)
	var offBuf [8]byte
	binary.LittleEndian.PutUint64(offBuf[:], uint64(indexOff))
	footer = append(footer, offBuf[:]...)
	if _, err := f.Write(footer); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}

	if err := f.Sync(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}

func marshalRecords(recs []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return nil, pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
		}
	}
	return buf.Bytes(), nil
}

// ZstdBlockStore resolves chunk_id -> Record against a chunks.zstblocks
// file built by BuildZstdBlocks. A block is decompressed and cached on Get;
// scanning chunk_ids in order (the common retrieval-assembler access
// pattern, since Fusion returns ascending-ish ids per source) pays the zstd
// decode cost once per block rather than once per chunk.
type ZstdBlockStore struct {
	mu    sync.Mutex
	f     *os.File
	index []zstBlockIndexEntry
	dec   *zstd.Decoder

	cachedBlock int
	cachedRecs  []Record
}

// LoadZstdBlocks opens path, reads its footer and index, and returns a
// Store ready for Get calls. Corruption in the footer or index is a fatal
// CorruptIndex error; corruption inside a block surfaces lazily from Get.
func LoadZstdBlocks(path string) (*ZstdBlockStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeFileNotFound, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	if info.Size() < int64(zstBlockFooterLen) {
		f.Close()
		return nil, pwerrors.New(pwerrors.ErrCodeCorruptIndex, "chunkstore: zstblocks file too small for footer", nil)
	}

	footer := make([]byte, zstBlockFooterLen)
	if _, err := f.ReadAt(footer, info.Size()-int64(zstBlockFooterLen)); err != nil {
		f.Close()
		return nil, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}
	if string(footer[:len(zstBlockMagic)]) != zstBlockMagic {
		f.Close()
		return nil, pwerrors.New(pwerrors.ErrCodeCorruptIndex, "chunkstore: zstblocks footer magic mismatch", nil)
	}
	indexOff := int64(binary.LittleEndian.Uint64(footer[len(zstBlockMagic):]))

	indexLen := info.Size() - int64(zstBlockFooterLen) - indexOff
	if indexOff < 0 || indexLen < 0 {
		f.Close()
		return nil, pwerrors.New(pwerrors.ErrCodeCorruptIndex, "chunkstore: zstblocks index offset out of range", nil)
	}
	indexBytes := make([]byte, indexLen)
	if _, err := f.ReadAt(indexBytes, indexOff); err != nil {
		f.Close()
		return nil, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}
	var index []zstBlockIndexEntry
	if err := json.Unmarshal(indexBytes, &index); err != nil {
		f.Close()
		return nil, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}

	return &ZstdBlockStore{f: f, index: index, dec: dec, cachedBlock: -1}, nil
}

// Get resolves chunkID to its record, decompressing its containing block if
// it isn't already cached.
func (s *ZstdBlockStore) Get(chunkID uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blk := sort.Search(len(s.index), func(i int) bool {
		return s.index[i].FirstChunkID > chunkID
	}) - 1
	if blk < 0 || blk >= len(s.index) {
		return Record{}, pwerrors.New(pwerrors.ErrCodeCorruptIndex, "chunkstore: chunk_id out of range", nil)
	}

	if blk != s.cachedBlock {
		recs, err := s.decodeBlock(s.index[blk])
		if err != nil {
			return Record{}, err
		}
		s.cachedBlock = blk
		s.cachedRecs = recs
	}

	within := chunkID - s.index[blk].FirstChunkID
	if within >= uint64(len(s.cachedRecs)) {
		return Record{}, pwerrors.New(pwerrors.ErrCodeCorruptIndex, "chunkstore: chunk_id out of range", nil)
	}
	return s.cachedRecs[within], nil
}

func (s *ZstdBlockStore) decodeBlock(e zstBlockIndexEntry) ([]Record, error) {
	compressed := make([]byte, e.CompressedLen)
	if _, err := s.f.ReadAt(compressed, e.Offset); err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}

	recs := make([]Record, 0, e.NumRecords)
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Len returns the number of chunks the store holds.
func (s *ZstdBlockStore) Len() int {
	if len(s.index) == 0 {
		return 0
	}
	last := s.index[len(s.index)-1]
	return int(last.FirstChunkID) + last.NumRecords
}

// Close releases the decoder and underlying file handle.
func (s *ZstdBlockStore) Close() error {
	s.dec.Close()
	if err := s.f.Close(); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}
