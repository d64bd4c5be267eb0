package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkaragiannis/chunkpipe/internal/promptcache"
)

// HTTPBackend posts generation requests as JSON to a configured endpoint.
// The endpoint is expected to answer with a Response-shaped JSON body.
type HTTPBackend struct {
	endpoint string
	client   *http.Client
}

// NewHTTPBackend creates an HTTPBackend. client may be nil, in which case a
// client with a 5 minute timeout is used (generation calls are slow).
func NewHTTPBackend(endpoint string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPBackend{endpoint: endpoint, client: client}
}

type httpRequest struct {
	Model          string                `json:"model"`
	TaskType       string                `json:"task_type,omitempty"`
	SystemPrompt   string                `json:"system_prompt,omitempty"`
	Messages       []promptcache.Message `json:"messages"`
	ReusableTokens int                   `json:"reusable_tokens,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
}

// Generate implements Backend.
func (b *HTTPBackend) Generate(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(httpRequest{
		Model:          req.Model,
		TaskType:       req.TaskType,
		SystemPrompt:   req.SystemPrompt,
		Messages:       req.Messages,
		ReusableTokens: req.ReusableTokens,
		MaxTokens:      req.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("generation request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return Response{}, fmt.Errorf("generation endpoint returned %d: %s", httpResp.StatusCode, msg)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}
