package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pwerrors "github.com/pocketwiki/pocketwikirag/internal/errors"
)

// DefaultOllamaHost is the default Ollama API endpoint.
const DefaultOllamaHost = "http://localhost:11434"

// DefaultOllamaModel is the recommended embedding model.
const DefaultOllamaModel = "qwen3-embedding:0.6b"

// OllamaConfig configures the Ollama-backed Embedder.
type OllamaConfig struct {
	Host       string
	Model      string
	Dimensions int // 0 = auto-detect from the first call
	Timeout    time.Duration
	RetryCfg   pwerrors.RetryConfig
}

func (c OllamaConfig) withDefaults() OllamaConfig {
	if c.Host == "" {
		c.Host = DefaultOllamaHost
	}
	if c.Model == "" {
		c.Model = DefaultOllamaModel
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RetryCfg == (pwerrors.RetryConfig{}) {
		c.RetryCfg = pwerrors.DefaultRetryConfig()
	}
	return c
}

// OllamaEmbedder calls Ollama's /api/embed endpoint.
type OllamaEmbedder struct {
	client *http.Client
	cfg    OllamaConfig
	dims   int
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an embedder against the given config. It does
// not contact the server until the first EmbedBatch call.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	cfg = cfg.withDefaults()
	return &OllamaEmbedder{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		dims:   cfg.Dimensions,
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// EmbedBatch sends texts to Ollama's batch embedding endpoint, retrying
// transient failures with exponential backoff.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, pwerrors.New(pwerrors.ErrCodeInternal, "marshaling embed request", err)
	}

	// A 4xx response is not transient: it is recorded here and the attempt
	// reports success so RetryWithResult stops without retrying it.
	var clientErr error
	result, err := pwerrors.RetryWithResult(ctx, e.cfg.RetryCfg, func() ([][]float32, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Host+"/api/embed", bytes.NewReader(body))
		if reqErr != nil {
			return nil, pwerrors.New(pwerrors.ErrCodeNetworkFatal, "building embed request", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := e.client.Do(req)
		if doErr != nil {
			return nil, pwerrors.New(pwerrors.ErrCodeNetworkTransient, "ollama request failed", doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, pwerrors.New(pwerrors.ErrCodeNetworkTransient, fmt.Sprintf("ollama server error %d", resp.StatusCode), nil)
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			clientErr = pwerrors.New(pwerrors.ErrCodeExternalFailure, fmt.Sprintf("ollama client error %d: %s", resp.StatusCode, data), nil)
			return nil, nil
		}

		var parsed ollamaEmbedResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil {
			return nil, pwerrors.New(pwerrors.ErrCodeExternalFailure, "decoding ollama response", decodeErr)
		}
		if len(parsed.Embeddings) != len(texts) {
			return nil, pwerrors.New(pwerrors.ErrCodeExternalFailure, fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Embeddings)), nil)
		}

		vecs := make([][]float32, len(parsed.Embeddings))
		for i, v := range parsed.Embeddings {
			vec := make([]float32, len(v))
			for j, f := range v {
				vec[j] = float32(f)
			}
			vecs[i] = vec
		}
		return vecs, nil
	})
	if err != nil {
		return nil, err
	}
	if clientErr != nil {
		return nil, clientErr
	}

	if e.dims == 0 && len(result) > 0 {
		e.dims = len(result[0])
	}
	return result, nil
}

// Dimensions returns the embedding width, 0 until the first successful call
// if it was not configured explicitly.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dims
}

// Close is a no-op: the http.Client owns no long-lived resources beyond
// its idle connection pool, which Go's transport reaps on its own.
func (e *OllamaEmbedder) Close() error {
	return nil
}
