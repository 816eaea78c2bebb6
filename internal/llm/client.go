package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotConfigured is returned before any byte is read when the upstream
// endpoint or credentials are missing. It is a deployment problem and is
// never retried.
var ErrNotConfigured = errors.New("llm: stream endpoint not configured")

// UpstreamError carries the provider's raw error text for a rejected request.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm: upstream status %d: %s", e.StatusCode, e.Body)
}

// EventHandler receives each decoded upstream event in arrival order.
// Returning an error stops the read loop.
type EventHandler func(Event) error

// Client streams answer events from the language-model provider's NDJSON
// endpoint. One Stream call maps to one upstream request.
type Client struct {
	url    string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

func NewClient(url, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Configured reports whether the client can reach an upstream at all.
func (c *Client) Configured() bool {
	return c.url != "" && c.apiKey != ""
}

type streamRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

// Stream opens the upstream request and feeds decoded events to onEvent until
// the stream ends, onEvent returns an error, or ctx is cancelled. Lines that
// fail to decode are logged and skipped.
func (c *Client) Stream(ctx context.Context, prompt, sessionID string, onEvent EventHandler) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(streamRequest{Prompt: prompt, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &UpstreamError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if res.Body == nil {
		return errors.New("llm: upstream returned no body")
	}

	return c.consume(res.Body, onEvent)
}

func (c *Client) consume(body io.Reader, onEvent EventHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, ok := decodeLine(line)
		if !ok {
			c.logger.Debug("skipping unparseable stream line", zap.ByteString("line", line))
			continue
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}
