// Package bytesource opens a resumable byte stream over a (possibly bz2
// compressed) MediaWiki dump, whether it lives behind http(s) or on the local
// filesystem, and decompresses it incrementally as it is read.
package bytesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/dsnet/compress/bzip2"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// DefaultNetworkChunkBytes is the size of each read issued against the
// response body before handing bytes to the decompressor.
const DefaultNetworkChunkBytes = 1 << 20 // 1 MiB

// Config controls how a Source is opened.
type Config struct {
	URL               string
	NetworkChunkBytes int
	RetryConfig       pwerrors.RetryConfig
	HTTPClient        *http.Client
}

func (c Config) withDefaults() Config {
	if c.NetworkChunkBytes <= 0 {
		c.NetworkChunkBytes = DefaultNetworkChunkBytes
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.RetryConfig == (pwerrors.RetryConfig{}) {
		c.RetryConfig = pwerrors.DefaultRetryConfig()
	}
	return c
}

// Source is an opened, resumable byte stream. It tracks how many compressed
// bytes it has actually consumed so a caller can checkpoint that offset and
// resume precisely after a failure.
type Source struct {
	cfg Config

	etag string

	underlying   io.ReadCloser
	countingRead *countingReader
	decompressor io.Reader

	consumedAtOpen int64
}

// Open starts (or resumes) a byte stream at the given compressed-byte
// offset. For http(s) URLs a Range request is issued when offset > 0; the
// server's response code and ETag are validated per contract. For file://
// URLs the file is seeked directly. If expectedETag is non-empty and the
// source's ETag does not match, Open returns ErrETagMismatch so the caller
// can restart from zero.
func Open(ctx context.Context, cfg Config, offset int64, expectedETag string) (*Source, error) {
	cfg = cfg.withDefaults()

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, pwerrors.New(pwerrors.ErrCodeNetworkFatal, "invalid source url", err)
	}

	switch u.Scheme {
	case "http", "https":
		return openHTTP(ctx, cfg, u, offset, expectedETag)
	case "file", "":
		src, err := openFile(cfg, u, offset)
		if err == nil && expectedETag != "" && src.ETag() != "" && src.ETag() != expectedETag {
			src.Close()
			return nil, ErrETagMismatch
		}
		return src, err
	default:
		return nil, pwerrors.New(pwerrors.ErrCodeNetworkFatal, "unsupported source scheme: "+u.Scheme, nil)
	}
}

// ErrETagMismatch is returned by Open when a resume was requested but the
// source's current ETag no longer matches the one recorded at checkpoint
// time. The caller must discard any existing checkpoint/output and restart
// from byte zero.
var ErrETagMismatch = fmt.Errorf("source etag changed since checkpoint")

func openHTTP(ctx context.Context, cfg Config, u *url.URL, offset int64, expectedETag string) (*Source, error) {
	var resp *http.Response

	err := pwerrors.Retry(ctx, cfg.RetryConfig, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if reqErr != nil {
			return pwerrors.New(pwerrors.ErrCodeNetworkFatal, "building request", reqErr)
		}
		if offset > 0 {
			req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
		}

		r, doErr := cfg.HTTPClient.Do(req)
		if doErr != nil {
			return pwerrors.New(pwerrors.ErrCodeNetworkTransient, "http request failed", doErr)
		}

		if r.StatusCode >= 500 {
			r.Body.Close()
			return pwerrors.New(pwerrors.ErrCodeNetworkTransient, fmt.Sprintf("server error %d", r.StatusCode), nil)
		}
		if r.StatusCode >= 400 {
			r.Body.Close()
			return pwerrors.New(pwerrors.ErrCodeNetworkFatal, fmt.Sprintf("client error %d", r.StatusCode), nil)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	etag := resp.Header.Get("ETag")
	if expectedETag != "" && etag != "" && etag != expectedETag {
		resp.Body.Close()
		return nil, ErrETagMismatch
	}

	actualOffset := offset
	if offset > 0 {
		if resp.StatusCode != http.StatusPartialContent {
			// Server ignored the Range request; caller must restart from zero.
			resp.Body.Close()
			return openHTTP(ctx, cfg, u, 0, expectedETag)
		}
	}

	return newSource(cfg, resp.Body, etag, actualOffset)
}

func openFile(cfg Config, u *url.URL, offset int64) (*Source, error) {
	path := u.Path
	if path == "" {
		path = strings.TrimPrefix(cfg.URL, "file://")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, pwerrors.Wrap(pwerrors.ErrCodeFileNotFound, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, pwerrors.Wrap(pwerrors.ErrCodeFilePermission, err)
		}
	}

	info, statErr := f.Stat()
	etag := ""
	if statErr == nil {
		etag = fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano())
	}

	return newSource(cfg, f, etag, offset)
}

func newSource(cfg Config, rc io.ReadCloser, etag string, offset int64) (*Source, error) {
	cr := &countingReader{r: rc, chunkSize: cfg.NetworkChunkBytes}
	dec, err := bzip2.NewReader(cr, &bzip2.ReaderConfig{})
	if err != nil {
		rc.Close()
		return nil, pwerrors.Wrap(pwerrors.ErrCodeDecompression, err)
	}
	return &Source{
		cfg:            cfg,
		etag:           etag,
		underlying:     rc,
		countingRead:   cr,
		decompressor:   dec,
		consumedAtOpen: offset,
	}, nil
}

// Read implements io.Reader, yielding decompressed bytes.
func (s *Source) Read(p []byte) (int, error) {
	n, err := s.decompressor.Read(p)
	if err != nil && err != io.EOF {
		return n, pwerrors.Wrap(pwerrors.ErrCodeDecompression, err)
	}
	return n, err
}

// CompressedBytesConsumed returns the total number of compressed bytes
// fully read from the underlying transport since the source was opened,
// offset by the resume position it was opened at.
func (s *Source) CompressedBytesConsumed() int64 {
	return s.consumedAtOpen + s.countingRead.n
}

// ETag returns the source's ETag as observed at open time (HTTP ETag
// header, or a synthetic size+mtime tag for local files).
func (s *Source) ETag() string {
	return s.etag
}

// Close releases the underlying transport.
func (s *Source) Close() error {
	return s.underlying.Close()
}

// countingReader wraps an io.Reader, tracking bytes consumed and reading in
// fixed-size network chunks.
type countingReader struct {
	r         io.Reader
	chunkSize int
	n         int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.chunkSize > 0 && len(p) > c.chunkSize {
		p = p[:c.chunkSize]
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
