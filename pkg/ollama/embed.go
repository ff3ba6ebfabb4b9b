// Package ollama implements the embedding and generation gateways over
// the Ollama HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CampusChat/campuschat/engine/domain"
	"github.com/CampusChat/campuschat/pkg/resilience"
)

// EmbedClient calls Ollama's /api/embeddings endpoint. It implements
// domain.Embedder: failures surface as ErrEmbeddingUnavailable, never as
// silent zero vectors.
type EmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *resilience.Limiter
}

// NewEmbedClient creates an embedding gateway. limiter may be nil to
// disable client-side rate limiting.
func NewEmbedClient(baseURL, model string, limiter *resilience.Limiter) *EmbedClient {
	return &EmbedClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: limiter,
	}
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// EmbedMany embeds each text in order. The endpoint takes one prompt per
// request, so this loops; the rate limiter paces the calls.
func (c *EmbedClient) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("ollama: embed: %v: %w", err, domain.ErrEmbeddingUnavailable)
			}
		}
		vec, err := c.embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (c *EmbedClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(embedReq{Model: c.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: embed: %v: %w", err, domain.ErrEmbeddingUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: embed: status %d: %w", resp.StatusCode, domain.ErrEmbeddingUnavailable)
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: embed decode: %v: %w", err, domain.ErrEmbeddingUnavailable)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama: embed: empty embedding: %w", domain.ErrEmbeddingUnavailable)
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
