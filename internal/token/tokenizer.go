// Package token implements the deterministic text-to-term tokenization used
// identically at index time and query time by the BM25 builder and reader.
package token

import (
	"bytes"
	"unicode/utf8"

	"github.com/blevesearch/segment"
	"golang.org/x/text/cases"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// foldCaser performs Unicode simple case folding, the same transform applied
// to every kept segment regardless of script.
var foldCaser = cases.Fold()

// Tokenize splits text on Unicode word boundaries, keeps only segments whose
// first code point is alphanumeric, case-folds them, and returns them in
// left-to-right order with no deduplication. Invalid UTF-8 is returned as an
// error rather than silently replaced.
//
// Tokenize is a pure function: the same input always yields the same output,
// and it must be invoked identically whether called from the BM25 Builder or
// from a query-time caller.
func Tokenize(text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	if !utf8.ValidString(text) {
		return nil, pwerrors.New(pwerrors.ErrCodeMalformedPage, "tokenize: input is not valid UTF-8", nil)
	}

	seg := segment.NewWordSegmenter(bytes.NewReader([]byte(text)))

	var terms []string
	for seg.Segment() {
		switch seg.Type() {
		case segment.Letter, segment.Number, segment.Kana, segment.Ideo:
			terms = append(terms, foldCaser.String(string(seg.Bytes())))
		}
	}
	if err := seg.Err(); err != nil {
		return nil, pwerrors.New(pwerrors.ErrCodeMalformedPage, "tokenize: segmentation failed", err)
	}

	return terms, nil
}
