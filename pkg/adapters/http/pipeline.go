package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultWebhookTimeout bounds one pipeline submission.
const DefaultWebhookTimeout = 5 * time.Second

// Webhook implements ports.ExecutionPipeline by POSTing {"node_id": ...} to a URL.
// Any 2xx response acknowledges the submission.
type Webhook struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewWebhook creates a pipeline that posts to url.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &Webhook{URL: url, Client: http.DefaultClient, Timeout: timeout}
}

type submission struct {
	NodeID string `json:"node_id"`
}

// Submit posts the node id to the webhook.
func (h *Webhook) Submit(ctx context.Context, nodeID string) error {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(submission{NodeID: nodeID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build pipeline request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("submit node %s: %w", nodeID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("submit node %s: pipeline answered %s", nodeID, resp.Status)
	}
	return nil
}
