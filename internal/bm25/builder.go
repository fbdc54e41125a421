package bm25

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
	"github.com/pocketwiki/pocketwikirag/internal/token"
	"github.com/pocketwiki/pocketwikirag/internal/varint"
)

// Builder accumulates an in-memory term -> docID -> term_freq table and
// flushes it to the sparse.idx binary layout in a single Build call. It
// implements the single-pass path of the two-pass contract: callers whose
// corpus does not fit comfortably in memory should use SpillBuilder instead,
// which spills partial postings to disk via an external sort.
//
// Input must arrive in strictly increasing chunk_id order starting at 0;
// a caller that adds an out-of-order or duplicate chunk_id has a programming
// error and Builder panics, matching the spec's "duplicate chunk_id is a
// programmer error" contract.
type Builder struct {
	postings   map[string]map[uint64]uint64 // term -> docID -> tf
	docLengths []uint32
	next       uint64
}

// NewBuilder returns an empty Builder ready to accept chunk_id 0.
func NewBuilder() *Builder {
	return &Builder{
		postings: make(map[string]map[uint64]uint64),
	}
}

// Add tokenizes text and records it as the document identified by chunkID.
// chunkID must equal the number of documents already added.
func (b *Builder) Add(chunkID uint64, text string) error {
	if chunkID != b.next {
		panic(fmt.Sprintf("bm25: out-of-order or duplicate chunk_id: got %d, want %d", chunkID, b.next))
	}

	terms, err := token.Tokenize(text)
	if err != nil {
		return err
	}

	counts := make(map[string]uint64, len(terms))
	for _, t := range terms {
		counts[t]++
	}
	for t, c := range counts {
		m, ok := b.postings[t]
		if !ok {
			m = make(map[uint64]uint64)
			b.postings[t] = m
		}
		m[chunkID] = c
	}

	b.docLengths = append(b.docLengths, uint32(len(terms)))
	b.next++
	return nil
}

// termRow is a fully materialized dictionary row plus its posting bytes,
// ready to be written to the postings region.
type termRow struct {
	term   string
	df     uint64
	relOff uint64
	length uint64
	bytes  []byte
}

// Build serializes the accumulated index to path. Writes go to path+".tmp"
// and are renamed into place on success; on failure the temp file is
// removed so a partial index is never observed at path.
func (b *Builder) Build(path string) (err error) {
	terms := make([]string, 0, len(b.postings))
	for t := range b.postings {
		terms = append(terms, t)
	}
	sort.Strings(terms)

	rows := make([]termRow, 0, len(terms))
	var runningOffset uint64
	for _, t := range terms {
		row := encodePostings(t, b.postings[t], runningOffset)
		runningOffset += row.length
		rows = append(rows, row)
	}

	return writeIndex(path, b.docLengths, rows, runningOffset)
}

// encodePostings sorts a term's postings by ascending docID and
// delta+varint encodes them, starting the relative offset at relOff.
func encodePostings(term string, docs map[uint64]uint64, relOff uint64) termRow {
	ids := make([]uint64, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := make([]byte, 0, len(ids)*3)
	var prev uint64
	for i, id := range ids {
		if i == 0 {
			buf = varint.AppendEncode(buf, id)
		} else {
			buf = varint.AppendEncode(buf, id-prev)
		}
		buf = varint.AppendEncode(buf, docs[id])
		prev = id
	}

	return termRow{
		term:   term,
		df:     uint64(len(ids)),
		relOff: relOff,
		length: uint64(len(buf)),
		bytes:  buf,
	}
}

// writeIndex lays out the header, doc-length array, dictionary, and
// postings region and commits them atomically.
func writeIndex(path string, docLengths []uint32, rows []termRow, postingsBytes uint64) (err error) {
	dict := make([]byte, 0, len(rows)*16)
	for _, r := range rows {
		dict = varint.AppendEncode(dict, uint64(len(r.term)))
		dict = append(dict, r.term...)
		dict = varint.AppendEncode(dict, r.df)
		dict = varint.AppendEncode(dict, r.relOff)
		dict = varint.AppendEncode(dict, r.length)
	}

	n := uint64(len(docLengths))
	var sumLengths uint64
	for _, l := range docLengths {
		sumLengths += uint64(l)
	}

	h := Header{
		N:             n,
		SumLengths:    sumLengths,
		DocLengthsOff: headerSize,
		DictOff:       headerSize + n*4,
		DictBytes:     uint64(len(dict)),
		PostingsBytes: postingsBytes,
	}
	h.PostingsOff = h.DictOff + h.DictBytes

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
	if err = writeHeader(w, h); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	for _, l := range docLengths {
		if err = binary.Write(w, binary.LittleEndian, l); err != nil {
			return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
		}
	}
	if _, err = w.Write(dict); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	for _, r := range rows {
		if _, err = w.Write(r.bytes); err != nil {
			return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
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
	if err = os.Rename(tmpPath, path); err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
	}
	return nil
}

func writeHeader(w *bufio.Writer, h Header) error {
	if _, err := w.WriteString(Magic); err != nil {
		return err
	}
	fields := []uint64{uint64(Version), h.N, h.SumLengths, h.DocLengthsOff, h.DictOff, h.DictBytes, h.PostingsOff, h.PostingsBytes}
	// Version is a u32; every other header field is a u64.
	if err := binary.Write(w, binary.LittleEndian, uint32(fields[0])); err != nil {
		return err
	}
	for _, v := range fields[1:] {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}
