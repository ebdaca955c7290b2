// Package transport delivers event batches to the collection endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/mediatrace/internal/event"
)

// SyncPath is appended to the configured endpoint.
const SyncPath = "/api/v1/interactions/sync"

// ErrStatus is wrapped by StatusError.
var ErrStatus = errors.New("unexpected response status")

// StatusError reports a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sync returned %s", e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrStatus
}

// SyncURL returns the batch URL for endpoint.
func SyncURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + SyncPath
}

// Encode renders a batch as the JSON array body of a sync request.
func Encode(events []event.InteractionEvent) ([]byte, error) {
	if events == nil {
		events = []event.InteractionEvent{}
	}
	body, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return body, nil
}

// HTTPSender POSTs batches to the sync endpoint. The endpoint can be
// changed while sends are running.
type HTTPSender struct {
	client *http.Client

	mu       sync.RWMutex
	endpoint string
}

// NewHTTPSender creates a sender. A nil client gets a client with timeout.
func NewHTTPSender(endpoint string, client *http.Client, timeout time.Duration) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSender{client: client, endpoint: endpoint}
}

// SetEndpoint changes the target base URL.
func (s *HTTPSender) SetEndpoint(endpoint string) {
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
}

// Endpoint returns the target base URL.
func (s *HTTPSender) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Send delivers one batch. Any 2xx response is success.
func (s *HTTPSender) Send(ctx context.Context, events []event.InteractionEvent) error {
	body, err := Encode(events)
	if err != nil {
		return err
	}
	return s.SendBody(ctx, body)
}

// SendBody delivers an already encoded batch.
func (s *HTTPSender) SendBody(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, SyncURL(s.Endpoint()), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}
