package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/compemperor/engram/internal/config"
)

// Embedder generates vector embeddings for text. Implementations must be
// deterministic for identical text and model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// NewEmbedder picks the embedding provider named in cfg. "auto" uses Ollama
// when it answers a ping and falls back to TF-IDF over docs otherwise.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingConfig, docs []string, logger *log.Logger) (Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dimensions), nil
	case "tfidf":
		return NewTFIDFEmbedder(docs, 0), nil
	case "auto", "":
		o := NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dimensions)
		err := o.Ping(ctx)
		if err == nil {
			logger.Info("embedding via ollama", "url", cfg.OllamaURL, "model", cfg.Model)
			return o, nil
		}
		logger.Warn("ollama unavailable, embedding with tfidf", "url", cfg.OllamaURL, "error", err)
		return NewTFIDFEmbedder(docs, 0), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}

// OllamaEmbedder calls Ollama's /api/embed. Per-call deadlines come from
// the caller; Resilient sets them.
type OllamaEmbedder struct {
	base  string
	model string
	dims  int
	hc    *http.Client
}

func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	return &OllamaEmbedder{
		base:  strings.TrimRight(baseURL, "/"),
		model: model,
		dims:  dims,
		hc:    &http.Client{Timeout: 2 * time.Minute},
	}
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return o.dims }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Model: o.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama embed: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embed: decode: %w", err)
	}
	if len(out.Embeddings) != 1 {
		return nil, fmt.Errorf("ollama embed: got %d embeddings for one input", len(out.Embeddings))
	}
	vec := out.Embeddings[0]
	if o.dims > 0 && len(vec) != o.dims {
		return nil, fmt.Errorf("ollama embed: model %s returns %d dimensions, configured %d", o.model, len(vec), o.dims)
	}
	return vec, nil
}

// Ping embeds a short text to check that Ollama answers and serves the
// model with the configured dimensions.
func (o *OllamaEmbedder) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := o.Embed(ctx, "ping")
	return err
}

// normalize scales vec to unit length in place; zero vectors stay zero.
func normalize(vec []float64) {
	var sq float64
	for _, v := range vec {
		sq += v * v
	}
	if sq == 0 {
		return
	}
	inv := 1 / math.Sqrt(sq)
	for i := range vec {
		vec[i] *= inv
	}
}

// CosineSimilarity of a and b. Mismatched or empty vectors have similarity 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, aa, bb float64
	for i, x := range a {
		y := b[i]
		dot += x * y
		aa += x * x
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return 0
	}
	return dot / math.Sqrt(aa*bb)
}

// meanVector averages vecs element-wise, skipping vectors whose length
// differs from the first.
func meanVector(vecs [][]float64) []float64 {
	if len(vecs) == 0 {
		return nil
	}
	sum := make([]float64, len(vecs[0]))
	var n float64
	for _, v := range vecs {
		if len(v) != len(sum) {
			continue
		}
		for i := range v {
			sum[i] += v[i]
		}
		n++
	}
	for i := range sum {
		sum[i] /= n
	}
	return sum
}
