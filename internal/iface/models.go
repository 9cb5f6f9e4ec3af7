package iface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Echo returns its input unchanged. Useful for wiring checks.
var Echo = ModelFunc(func(_ context.Context, input any) (any, error) { return input, nil })

// Remote forwards the preprocessed input to an HTTP inference endpoint as
// {"input": ...} and returns the decoded JSON response body.
type Remote struct {
	URL    string
	Client *http.Client
}

// NewRemote returns a Remote with a bounded client timeout.
func NewRemote(url string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Predict posts input to r.URL.
func (r *Remote) Predict(ctx context.Context, input any) (any, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("encode model request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	return out, nil
}
