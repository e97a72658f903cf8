package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentrt/agentrt/internal/wire"
)

// LLMClient sends one non-streaming chat request and returns the parsed
// response. An interface so the loop can be driven by a fake in tests.
type LLMClient interface {
	Chat(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error)
}

// HTTPLLMClient posts to {endpoint}/api/chat, matching the teacher's
// OllamaProvider base-URL/timeout handling in
// internal/agent/providers/ollama.go, generalized from a streaming NDJSON
// response to this protocol's single-shot stream=false body.
type HTTPLLMClient struct {
	client   *http.Client
	endpoint string
}

// NewHTTPLLMClient builds a client whose *http.Client.Timeout is the
// configured llm_timeout, applied as the HTTP client's request timeout.
func NewHTTPLLMClient(endpoint string, timeout time.Duration) *HTTPLLMClient {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &HTTPLLMClient{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
	}
}

func (c *HTTPLLMClient) Chat(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return wire.ChatResponse{}, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return wire.ChatResponse{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return wire.ChatResponse{}, fmt.Errorf("llm transport: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.ChatResponse{}, fmt.Errorf("read chat response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wire.ChatResponse{}, &wire.ChatHTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed wire.ChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return wire.ChatResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	return parsed, nil
}
