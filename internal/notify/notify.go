// Package notify delivers escrow notifications to the messaging service.
// Delivery is fire-and-forget: a failed send is logged by the caller and
// never affects the committed transition that produced it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskup/backend/internal/models"
)

type Emitter interface {
	Emit(ctx context.Context, n models.Notification) error
}

// HTTPEmitter posts each notification as JSON to a single endpoint.
type HTTPEmitter struct {
	url        string
	httpClient *http.Client
}

func NewHTTPEmitter(url string, timeout time.Duration) *HTTPEmitter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEmitter{url: url, httpClient: &http.Client{Timeout: timeout}}
}

type message struct {
	Kind      string          `json:"kind"`
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}

func (e *HTTPEmitter) Emit(ctx context.Context, n models.Notification) error {
	body, err := json.Marshal(message{Kind: n.Kind, Recipient: n.Recipient.String(), Payload: n.Payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error sending notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogEmitter only logs. Used when no notification endpoint is configured.
type LogEmitter struct {
	Logger *slog.Logger
}

func (e LogEmitter) Emit(_ context.Context, n models.Notification) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", n.Kind, "recipient", n.Recipient, "payload", string(n.Payload))
	return nil
}
