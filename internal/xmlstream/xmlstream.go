// Package xmlstream incrementally parses a MediaWiki XML dump, emitting one
// Page per closed <page> element without ever holding more than the current
// page's subtree in memory.
package xmlstream

import (
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"strings"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// Page is a raw record extracted from one <page> element.
type Page struct {
	ID         int64
	Title      string
	Text       string
	IsRedirect bool
}

type xmlRevision struct {
	Text string `xml:"text"`
}

type xmlPage struct {
	ID       int64       `xml:"id"`
	Title    string      `xml:"title"`
	Redirect *struct{}   `xml:"redirect"`
	Revision xmlRevision `xml:"revision"`
}

// Parser streams Page records from an underlying byte reader (typically the
// output of the bz2 byte source).
type Parser struct {
	dec *xml.Decoder
}

// New wraps r in a streaming parser.
func New(r io.Reader) *Parser {
	return &Parser{dec: xml.NewDecoder(r)}
}

// Next returns the next Page record in document order, io.EOF when the
// stream is exhausted, or a TruncatedInput error if the stream ends in the
// middle of a page. A malformed single page is logged and skipped; Next
// advances past it and returns the following page instead of failing the
// whole stream.
func (p *Parser) Next() (Page, error) {
	for {
		tok, err := p.dec.Token()
		if err == io.EOF {
			return Page{}, io.EOF
		}
		if err != nil {
			return Page{}, pwerrors.Wrap(pwerrors.ErrCodeTruncatedInput, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "page" {
			continue
		}

		var xp xmlPage
		if err := p.dec.DecodeElement(&xp, &start); err != nil {
			if isTruncation(err) {
				return Page{}, pwerrors.Wrap(pwerrors.ErrCodeTruncatedInput, err)
			}
			slog.Warn("malformed page skipped", slog.String("error", err.Error()))
			continue
		}

		return Page{
			ID:         xp.ID,
			Title:      xp.Title,
			Text:       xp.Revision.Text,
			IsRedirect: xp.Redirect != nil,
		}, nil
	}
}

// isTruncation reports whether err means the underlying reader ran out of
// bytes partway through decoding an element, rather than the element simply
// being malformed. encoding/xml doesn't surface a mid-element EOF as a bare
// io.EOF: DecodeElement wraps it as a *xml.SyntaxError with an "unexpected
// EOF" message, since from the decoder's point of view the element's close
// tag is syntactically missing, not an out-of-band end-of-stream signal.
// Checking only err == io.EOF misses this and misroutes a real truncation
// into the malformed-page branch, discarding it with the wrong log message.
func isTruncation(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var synErr *xml.SyntaxError
	if errors.As(err, &synErr) {
		return strings.Contains(synErr.Msg, "unexpected EOF")
	}
	return false
}
