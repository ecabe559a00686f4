package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chatflow/internal/model"
)

// Sender hands one message to the chat transport and returns the provider id.
type Sender interface {
	Send(ctx context.Context, msg model.OutboundMessage) (string, error)
}

// IsTransient reports whether a send failed on a timeout, which says nothing
// about the message itself.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HTTPSender posts outbound messages as JSON to the transport service.
type HTTPSender struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPSender(url string, timeout time.Duration, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{url: url, client: client, timeout: timeout}
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error,omitempty"`
}

func (s *HTTPSender) Send(ctx context.Context, msg model.OutboundMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := out.Error
		if reason == "" {
			reason = strings.TrimSpace(string(raw))
		}
		return "", fmt.Errorf("transport returned %d: %s", resp.StatusCode, reason)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("transport response has no messageId")
	}
	return out.MessageID, nil
}
