package cmd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketwiki/pocketwikirag/internal/config"
	"github.com/pocketwiki/pocketwikirag/internal/retrieval"
)

func TestHandleQuery_ReturnsFusedResults(t *testing.T) {
	cfgPath := buildTestBundle(t,
		samplePage(1, "Go", "Go is a compiled, statically typed programming language designed at Google."),
		samplePage(2, "Rust", "Rust is a systems programming language focused on safety and concurrency."))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	bundle, err := retrieval.OpenBundle(cfg)
	require.NoError(t, err)
	defer func() { _ = bundle.Close() }()

	handler := handleQuery(bundle)

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"programming language","fused_k":3}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"page_title"`)
}

func TestHandleQuery_RejectsEmptyQuery(t *testing.T) {
	cfgPath := buildTestBundle(t,
		samplePage(1, "Go", "Go is a compiled, statically typed programming language designed at Google."))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	bundle, err := retrieval.OpenBundle(cfg)
	require.NoError(t, err)
	defer func() { _ = bundle.Close() }()

	handler := handleQuery(bundle)

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":""}`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQuery_RejectsMalformedBody(t *testing.T) {
	cfgPath := buildTestBundle(t,
		samplePage(1, "Go", "Go is a compiled, statically typed programming language designed at Google."))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	bundle, err := retrieval.OpenBundle(cfg)
	require.NoError(t, err)
	defer func() { _ = bundle.Close() }()

	handler := handleQuery(bundle)

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthz_OK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handleHealthz(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
