// Package mail delivers queued outbound messages.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/moemail/moemail/internal/mailboxes"
)

// ErrRejected marks a relay response that retrying cannot fix.
var ErrRejected = errors.New("mail: relay rejected message")

// Transport delivers one message.
type Transport interface {
	Deliver(ctx context.Context, msg mailboxes.Outbound) error
}

// RelayClient posts messages to a Resend-compatible HTTP API.
type RelayClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRelayClient constructs a RelayClient.
func NewRelayClient(baseURL, apiKey string) *RelayClient {
	return &RelayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type relayRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type relayError struct {
	Message string `json:"message"`
}

// Deliver sends msg. 4xx responses other than 429 wrap ErrRejected.
func (c *RelayClient) Deliver(ctx context.Context, msg mailboxes.Outbound) error {
	payload := relayRequest{From: msg.From, To: []string{msg.To}, Subject: msg.Subject, Text: msg.Content, HTML: msg.HTML}
	if payload.HTML == "" {
		payload.HTML = msg.Content
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/emails", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 300 {
		return nil
	}

	var rerr relayError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &rerr)
	if rerr.Message == "" {
		rerr.Message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, rerr.Message)
	}
	return fmt.Errorf("mail: relay returned status %d: %s", resp.StatusCode, rerr.Message)
}

// LogTransport records messages without sending them. Used when no relay is
// configured.
type LogTransport struct {
	Logger *slog.Logger
}

// Deliver logs the envelope of msg.
func (t LogTransport) Deliver(_ context.Context, msg mailboxes.Outbound) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail delivery skipped, no relay configured",
		slog.String("message_id", msg.MessageID),
		slog.String("from", msg.From),
		slog.String("to", msg.To))
	return nil
}

// NewTransport returns a relay client when apiKey is set and a LogTransport
// otherwise.
func NewTransport(baseURL, apiKey string, logger *slog.Logger) Transport {
	if strings.TrimSpace(apiKey) == "" {
		return LogTransport{Logger: logger}
	}
	return NewRelayClient(baseURL, apiKey)
}
