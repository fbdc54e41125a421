package chunk

import (
	"regexp"
	"strings"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
	"github.com/pocketwiki/pocketwikirag/internal/token"
)

// headerPattern matches MediaWiki section headers: == Title ==, === Title ===, etc.
var headerPattern = regexp.MustCompile(`(?m)^(=+)\s*(.+?)\s*=+\s*$`)

// Splitter turns one page's wikitext into candidate Fragments, splitting on
// section boundaries first and falling back to paragraph boundaries within
// any section too large to fit in one chunk.
type Splitter struct {
	cfg Config
}

// New creates a Splitter with the given Config (zero fields fall back to
// DefaultConfig's values).
func New(cfg Config) *Splitter {
	return &Splitter{cfg: cfg.withDefaults()}
}

type wikiSection struct {
	title string
	body  string
}

// Split parses the page's wikitext into sections (the lead section before
// any header has an empty title) and emits one Fragment per section that
// fits within MaxChunkTokens, or several for a section that doesn't.
func (s *Splitter) Split(pageID int64, pageTitle, wikitext string) ([]Fragment, error) {
	sections := splitIntoSections(wikitext)

	var frags []Fragment
	for _, sec := range sections {
		body := strings.TrimSpace(sec.body)
		if body == "" {
			continue
		}

		toks, err := token.Tokenize(body)
		if err != nil {
			return nil, pwerrors.Wrap(pwerrors.ErrCodeInternal, err)
		}

		if len(toks) <= s.cfg.MaxChunkTokens {
			frags = append(frags, Fragment{
				PageID:     pageID,
				PageTitle:  pageTitle,
				Text:       body,
				TokenCount: len(toks),
			})
			continue
		}

		frags = append(frags, s.splitOversizedSection(pageID, pageTitle, body)...)
	}
	return frags, nil
}

// splitIntoSections breaks wikitext at `== Header ==` boundaries. Content
// before the first header becomes a section with an empty title.
func splitIntoSections(wikitext string) []wikiSection {
	matches := headerPattern.FindAllStringSubmatchIndex(wikitext, -1)
	if len(matches) == 0 {
		return []wikiSection{{body: wikitext}}
	}

	var sections []wikiSection
	if matches[0][0] > 0 {
		sections = append(sections, wikiSection{body: wikitext[:matches[0][0]]})
	}

	for i, m := range matches {
		title := wikitext[m[4]:m[5]]
		bodyStart := m[1]
		bodyEnd := len(wikitext)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		sections = append(sections, wikiSection{title: title, body: wikitext[bodyStart:bodyEnd]})
	}
	return sections
}

// splitOversizedSection accumulates paragraphs (blank-line-separated) into
// fragments, closing a fragment once adding the next paragraph would exceed
// MaxChunkTokens.
func (s *Splitter) splitOversizedSection(pageID int64, pageTitle, body string) []Fragment {
	paragraphs := splitParagraphs(body)

	var frags []Fragment
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		text := strings.TrimSpace(current.String())
		if text == "" {
			return
		}
		toks, err := token.Tokenize(text)
		count := currentTokens
		if err == nil {
			count = len(toks)
		}
		frags = append(frags, Fragment{PageID: pageID, PageTitle: pageTitle, Text: text, TokenCount: count})
		current.Reset()
		currentTokens = 0
	}

	for _, para := range paragraphs {
		toks, err := token.Tokenize(para)
		paraTokens := len(toks)
		if err != nil {
			paraTokens = 0
		}

		if currentTokens > 0 && currentTokens+paraTokens > s.cfg.MaxChunkTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += paraTokens
	}
	flush()

	return frags
}

func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	paragraphs := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			paragraphs = append(paragraphs, t)
		}
	}
	return paragraphs
}

// AssignIDs is the Filter stage's core: it drops fragments outside
// [MinChunkLength, MaxChunkLength] and assigns each survivor a dense
// chunk_id starting at startID, in input order. It returns the next free
// chunk_id for the caller's next batch.
func AssignIDs(frags []Fragment, cfg Config, startID uint64) ([]Chunk, uint64) {
	cfg = cfg.withDefaults()
	chunks := make([]Chunk, 0, len(frags))
	id := startID
	for _, f := range frags {
		n := len(f.Text)
		if n < cfg.MinChunkLength || n > cfg.MaxChunkLength {
			continue
		}
		chunks = append(chunks, Chunk{
			ChunkID:    id,
			PageID:     f.PageID,
			PageTitle:  f.PageTitle,
			Text:       f.Text,
			TokenCount: f.TokenCount,
		})
		id++
	}
	return chunks, id
}
