package bm25

import (
	"encoding/binary"
	"math"
	"os"
	"sort"
	"strconv"

	mmap "github.com/blevesearch/mmap-go"
	lru "github.com/hashicorp/golang-lru/v2"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
	"github.com/pocketwiki/pocketwikirag/internal/token"
	"github.com/pocketwiki/pocketwikirag/internal/varint"
)

// termCacheSize bounds the number of hot dictionary lookups cached between
// queries; the dictionary itself is scanned once into dictTerms at Open.
const termCacheSize = 4096

// Reader holds a read-only memory map of a sparse.idx file for the lifetime
// of the query-serving process. It is safe for concurrent unsynchronized
// Search calls once Open returns.
type Reader struct {
	f      *os.File
	mm     mmap.MMap
	header Header

	k1 float64
	b  float64

	docLengths []uint32

	// dictTerms and dictEntries are parallel, sorted by term, built once at
	// Open so lookups are a binary search rather than a dictionary scan.
	dictTerms   []string
	dictEntries []dictEntry

	cache *lru.Cache[string, int] // term -> index into dictTerms/dictEntries
}

// Open memory-maps path read-only using the default K1/B scoring constants.
// Callers that need the configured Config.BM25 values (anything serving
// live queries) should use OpenWithParams instead.
func Open(path string) (*Reader, error) {
	return OpenWithParams(path, DefaultK1, DefaultB)
}

// OpenWithParams memory-maps path read-only, validates the header, scans
// the dictionary into a sorted lookup table, and scores subsequent Search
// calls with the given k1/b instead of DefaultK1/DefaultB. Corruption at
// any stage is a fatal CorruptIndex error.
func OpenWithParams(path string, k1, b float64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeFileNotFound, err)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, pwerrors.Wrap(pwerrors.ErrCodeCorruptIndex, err)
	}

	r := &Reader{f: f, mm: mm, k1: k1, b: b}
	if err := r.parseHeader(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.parseDocLengths(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.parseDictionary(); err != nil {
		r.Close()
		return nil, err
	}

	cache, err := lru.New[string, int](termCacheSize)
	if err != nil {
		r.Close()
		return nil, pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
	}
	r.cache = cache

	return r, nil
}

func (r *Reader) parseHeader() error {
	if len(r.mm) < headerSize {
		return pwerrors.New(pwerrors.ErrCodeCorruptIndex, "bm25: file shorter than header", nil)
	}
	if string(r.mm[0:4]) != Magic {
		return pwerrors.New(pwerrors.ErrCodeCorruptIndex, "bm25: bad magic", nil)
	}
	version := binary.LittleEndian.Uint32(r.mm[4:8])
	if version != Version {
		return pwerrors.New(pwerrors.ErrCodeCorruptIndex, "bm25: unsupported version", nil).
			WithDetail("version", strconv.Itoa(int(version)))
	}

	fields := make([]uint64, 7)
	for i := range fields {
		off := 8 + i*8
		fields[i] = binary.LittleEndian.Uint64(r.mm[off : off+8])
	}
	r.header = Header{
		N:             fields[0],
		SumLengths:    fields[1],
		DocLengthsOff: fields[2],
		DictOff:       fields[3],
		DictBytes:     fields[4],
		PostingsOff:   fields[5],
		PostingsBytes: fields[6],
	}
	if uint64(len(r.mm)) < r.header.PostingsOff+r.header.PostingsBytes {
		return pwerrors.New(pwerrors.ErrCodeCorruptIndex, "bm25: file truncated before postings end", nil)
	}
	return nil
}

func (r *Reader) parseDocLengths() error {
	n := r.header.N
	r.docLengths = make([]uint32, n)
	base := r.header.DocLengthsOff
	for i := uint64(0); i < n; i++ {
		off := base + i*4
		r.docLengths[i] = binary.LittleEndian.Uint32(r.mm[off : off+4])
	}
	return nil
}

func (r *Reader) parseDictionary() error {
	pos := int(r.header.DictOff)
	end := pos + int(r.header.DictBytes)

	for pos < end {
		termLen, next, err := varint.Decode(r.mm, pos)
		if err != nil {
			return pwerrors.New(pwerrors.ErrCodeCorruptIndex, "bm25: malformed dictionary", err)
		}
		pos = next
		if pos+int(termLen) > end {
			return pwerrors.New(pwerrors.ErrCodeCorruptIndex, "bm25: dictionary term overruns region", nil)
		}
		term := string(r.mm[pos : pos+int(termLen)])
		pos += int(termLen)

		df, next, err := varint.Decode(r.mm, pos)
		if err != nil {
			return pwerrors.New(pwerrors.ErrCodeCorruptIndex, "bm25: malformed dictionary", err)
		}
		pos = next

		relOff, next, err := varint.Decode(r.mm, pos)
		if err != nil {
			return pwerrors.New(pwerrors.ErrCodeCorruptIndex, "bm25: malformed dictionary", err)
		}
		pos = next

		length, next, err := varint.Decode(r.mm, pos)
		if err != nil {
			return pwerrors.New(pwerrors.ErrCodeCorruptIndex, "bm25: malformed dictionary", err)
		}
		pos = next

		r.dictTerms = append(r.dictTerms, term)
		r.dictEntries = append(r.dictEntries, dictEntry{df: df, relOff: relOff, length: length})
	}
	return nil
}

// Close unmaps the index file and releases the file descriptor.
func (r *Reader) Close() error {
	var err error
	if r.mm != nil {
		err = r.mm.Unmap()
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// N returns the number of documents in the index.
func (r *Reader) N() uint64 { return r.header.N }

// AvgDL returns the mean document length.
func (r *Reader) AvgDL() float64 { return r.header.AvgDL() }

// Stats returns the index's header fields for operational inspection
// (dictionary size, postings size, document count, average length).
func (r *Reader) Stats() Header { return r.header }

// VocabSize returns the number of distinct terms in the dictionary.
func (r *Reader) VocabSize() int { return len(r.dictTerms) }

// lookup binary-searches the dictionary for term, consulting the LRU cache
// first.
func (r *Reader) lookup(term string) (dictEntry, bool) {
	if idx, ok := r.cache.Get(term); ok {
		return r.dictEntries[idx], true
	}
	idx := sort.SearchStrings(r.dictTerms, term)
	if idx >= len(r.dictTerms) || r.dictTerms[idx] != term {
		return dictEntry{}, false
	}
	r.cache.Add(term, idx)
	return r.dictEntries[idx], true
}

// Search scores terms, which are assumed already tokenized by the caller via
// token.Tokenize so that index-time and query-time tokenization are
// identical. Query terms are deduplicated before scoring. Unknown terms
// contribute zero and are not an error. Ties break by ascending chunk_id.
func (r *Reader) Search(terms []string, topK int) []ScoredDoc {
	if topK <= 0 || r.header.N == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(terms))
	scores := make(map[uint64]float64)
	avgdl := r.header.AvgDL()

	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}

		entry, ok := r.lookup(t)
		if !ok {
			continue
		}

		idf := math.Log((float64(r.header.N)-float64(entry.df)+0.5)/(float64(entry.df)+0.5) + 1)

		pos := int(r.header.PostingsOff + entry.relOff)
		end := pos + int(entry.length)
		var prevID uint64
		first := true

		for pos < end {
			var docID, delta uint64
			var next int
			delta, next, _ = varint.Decode(r.mm, pos)
			pos = next
			if first {
				docID = delta
				first = false
			} else {
				docID = prevID + delta
			}
			tf, next2, _ := varint.Decode(r.mm, pos)
			pos = next2
			prevID = docID

			dl := float64(r.docLengths[docID])
			num := idf * float64(tf) * (r.k1 + 1)
			den := float64(tf) + r.k1*(1-r.b+r.b*dl/avgdl)
			scores[docID] += num / den
		}
	}

	results := make([]ScoredDoc, 0, len(scores))
	for id, s := range scores {
		results = append(results, ScoredDoc{ChunkID: id, Score: s})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// SearchText tokenizes query identically to index time and scores it.
func (r *Reader) SearchText(query string, topK int) ([]ScoredDoc, error) {
	terms, err := token.Tokenize(query)
	if err != nil {
		return nil, err
	}
	return r.Search(terms, topK), nil
}

