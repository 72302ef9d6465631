package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds a single audit post.
const DefaultTimeout = 2 * time.Second

// Sink delivers audit events to the external audit collaborator.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// HTTPSink posts audit events as JSON with a bearer token.
type HTTPSink struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPSink creates a sink posting to endpoint. A zero timeout uses
// DefaultTimeout.
func NewHTTPSink(endpoint, token string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSink{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// Send posts e once. Any non-2xx status is an error.
func (s *HTTPSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("audit post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("audit endpoint returned %d", resp.StatusCode)
	}
	return nil
}
