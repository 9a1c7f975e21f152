package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBackend talks to a remote memory engine over HTTP/JSON.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPBackend creates a backend client. timeout bounds each call.
func NewHTTPBackend(baseURL, apiKey string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Search runs a retrieval query scoped to the user.
func (b *HTTPBackend) Search(ctx context.Context, query, userID string) ([]Result, error) {
	var out struct {
		Results []Result `json:"results"`
	}
	err := b.post(ctx, "/v1/search", map[string]string{
		"query":   query,
		"user_id": userID,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("backend search: %w", err)
	}
	return out.Results, nil
}

// Store persists content for the user.
func (b *HTTPBackend) Store(ctx context.Context, content, userID string) (*Ack, error) {
	var ack Ack
	err := b.post(ctx, "/v1/memories", map[string]string{
		"content": content,
		"user_id": userID,
	}, &ack)
	if err != nil {
		return nil, fmt.Errorf("backend store: %w", err)
	}
	return &ack, nil
}

func (b *HTTPBackend) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
