package bm25

import (
	"context"
	"encoding/binary"
	"runtime"
	"strings"

	"github.com/lanrat/extsort"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
	"github.com/pocketwiki/pocketwikirag/internal/token"
	"github.com/pocketwiki/pocketwikirag/internal/varint"
)

// SpillBuilder builds the index the same way Builder does, but never holds
// the full term->docID->tf table in memory. Instead, every (term, docID, tf)
// triple is emitted as a sortable string key and handed to an external merge
// sort; the sorted stream groups every term's postings contiguously, so the
// postings region can be assembled by scanning the sorted output once. This
// is the path the Builder's two-pass contract takes when a single in-memory
// map would not fit.
type SpillBuilder struct {
	docLengths []uint32
	next       uint64

	keys chan string
	done chan error
	out  <-chan string
	serr <-chan error
}

// SpillConfig tunes the external sort's disk-chunk size and worker count.
type SpillConfig struct {
	// ChunkSize is the number of keys buffered in memory before a run is
	// spilled to disk.
	ChunkSize int
	// NumWorkers bounds the number of concurrent sort/merge goroutines.
	// Zero selects runtime.NumCPU().
	NumWorkers int
}

// DefaultSpillConfig returns sensible defaults for a commodity build machine.
func DefaultSpillConfig() SpillConfig {
	return SpillConfig{
		ChunkSize:  1_000_000,
		NumWorkers: runtime.NumCPU(),
	}
}

// NewSpillBuilder starts the external sort pipeline. ctx governs the
// lifetime of the background sort goroutine; callers must call Build (which
// drains and waits on it) before ctx is cancelled.
func NewSpillBuilder(ctx context.Context, cfg SpillConfig) *SpillBuilder {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultSpillConfig().ChunkSize
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}

	keys := make(chan string, 4096)
	sorter, out, serr := extsort.Strings(keys, &extsort.Config{
		ChunkSize:  cfg.ChunkSize,
		NumWorkers: cfg.NumWorkers,
	})

	sb := &SpillBuilder{
		keys: keys,
		out:  out,
		serr: serr,
	}

	done := make(chan error, 1)
	go func() {
		done <- sorter.Sort(ctx)
	}()
	sb.done = done

	return sb
}

// Add tokenizes text, records its document length, and emits one sortable
// key per distinct term. chunkID must arrive in strictly increasing order
// starting at 0, matching Builder's contract.
func (sb *SpillBuilder) Add(chunkID uint64, text string) error {
	if chunkID != sb.next {
		panic("bm25: out-of-order or duplicate chunk_id in spill builder")
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
		sb.keys <- spillKey(t, chunkID, c)
	}

	sb.docLengths = append(sb.docLengths, uint32(len(terms)))
	sb.next++
	return nil
}

// Build drains the external sort, groups consecutive entries by term, and
// writes the index to path the same way Builder.Build does.
func (sb *SpillBuilder) Build(path string) error {
	close(sb.keys)

	var rows []termRow
	var runningOffset uint64

	var curTerm string
	var curDocs []uint64
	var curTFs []uint64
	haveCur := false

	flush := func() {
		if !haveCur {
			return
		}
		row := encodeSortedPostings(curTerm, curDocs, curTFs, runningOffset)
		runningOffset += row.length
		rows = append(rows, row)
		curDocs = curDocs[:0]
		curTFs = curTFs[:0]
	}

	for key := range sb.out {
		term, docID, tf, err := parseSpillKey(key)
		if err != nil {
			return err
		}
		if !haveCur || term != curTerm {
			flush()
			curTerm = term
			haveCur = true
		}
		curDocs = append(curDocs, docID)
		curTFs = append(curTFs, tf)
	}
	flush()

	if err := <-sb.done; err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}
	if err := <-sb.serr; err != nil {
		return pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}

	return writeIndex(path, sb.docLengths, rows, runningOffset)
}

// spillKey encodes (term, docID, tf) as a string whose byte-wise order sorts
// first by term, then by ascending docID: the NUL separator is smaller than
// every byte a tokenizer term can contain, and the fixed-width big-endian
// suffix preserves numeric order for equal terms.
func spillKey(term string, docID, tf uint64) string {
	var suffix [16]byte
	binary.BigEndian.PutUint64(suffix[0:8], docID)
	binary.BigEndian.PutUint64(suffix[8:16], tf)
	var sb strings.Builder
	sb.Grow(len(term) + 1 + 16)
	sb.WriteString(term)
	sb.WriteByte(0)
	sb.Write(suffix[:])
	return sb.String()
}

func parseSpillKey(key string) (term string, docID, tf uint64, err error) {
	idx := strings.IndexByte(key, 0)
	if idx < 0 || len(key)-idx-1 != 16 {
		return "", 0, 0, pwerrors.New(pwerrors.ErrCodeInternal, "bm25: malformed spill key", nil)
	}
	term = key[:idx]
	suffix := key[idx+1:]
	docID = binary.BigEndian.Uint64([]byte(suffix[0:8]))
	tf = binary.BigEndian.Uint64([]byte(suffix[8:16]))
	return term, docID, tf, nil
}

// encodeSortedPostings encodes postings that arrive already sorted by
// ascending docID (guaranteed by the external sort's key ordering).
func encodeSortedPostings(term string, docIDs []uint64, tfs []uint64, relOff uint64) termRow {
	row := termRow{term: term, df: uint64(len(docIDs)), relOff: relOff}
	buf := make([]byte, 0, len(docIDs)*3)
	var prev uint64
	for i, id := range docIDs {
		if i == 0 {
			buf = varint.AppendEncode(buf, id)
		} else {
			buf = varint.AppendEncode(buf, id-prev)
		}
		buf = varint.AppendEncode(buf, tfs[i])
		prev = id
	}
	row.bytes = buf
	row.length = uint64(len(buf))
	return row
}
