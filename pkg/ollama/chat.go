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

// Message is one chat turn sent to /api/chat.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient calls Ollama's /api/chat endpoint (non-streaming). Failures
// surface as ErrGenerationUnavailable; the circuit breaker sheds calls
// while the model service is down.
type ChatClient struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *resilience.Breaker
}

// NewChatClient creates a generation gateway. breaker may be nil.
func NewChatClient(baseURL, model string, breaker *resilience.Breaker) *ChatClient {
	return &ChatClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
		breaker: breaker,
	}
}

type chatReq struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResp struct {
	Message Message `json:"message"`
}

// Chat sends the conversation and returns the assistant reply.
func (c *ChatClient) Chat(ctx context.Context, msgs []Message) (string, error) {
	if c.breaker == nil {
		return c.chat(ctx, msgs)
	}
	var reply string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		reply, err = c.chat(ctx, msgs)
		return err
	})
	if err == resilience.ErrCircuitOpen {
		return "", fmt.Errorf("ollama: chat: %v: %w", err, domain.ErrGenerationUnavailable)
	}
	return reply, err
}

func (c *ChatClient) chat(ctx context.Context, msgs []Message) (string, error) {
	body, _ := json.Marshal(chatReq{Model: c.model, Messages: msgs, Stream: false})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: chat: %v: %w", err, domain.ErrGenerationUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama: chat: status %d: %w", resp.StatusCode, domain.ErrGenerationUnavailable)
	}

	var result chatResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama: chat decode: %v: %w", err, domain.ErrGenerationUnavailable)
	}
	return result.Message.Content, nil
}
