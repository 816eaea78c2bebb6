package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/relay"
)

// StreamState is the answer-consumer lifecycle. A request moves
// idle -> thinking -> streaming -> complete, with error reachable from any
// in-flight state. Answers without reasoning skip thinking.
type StreamState string

const (
	StreamIdle      StreamState = "idle"
	StreamThinking  StreamState = "thinking"
	StreamStreaming StreamState = "streaming"
	StreamComplete  StreamState = "complete"
	StreamError     StreamState = "error"
)

// StreamConsumer drives one answer stream at a time against the chat
// endpoint and accumulates what arrived so far. Starting a new request
// replaces the in-flight one.
type StreamConsumer struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.Mutex
	gen      int
	state    StreamState
	answer   strings.Builder
	thinking []string
	errMsg   string
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewStreamConsumer(url string, httpClient *http.Client, logger *zap.Logger) *StreamConsumer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConsumer{
		url:        url,
		httpClient: httpClient,
		logger:     logger,
		state:      StreamIdle,
	}
}

type chatRequest struct {
	Prompt         string `json:"prompt"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Start launches a request. Any in-flight request is aborted first and its
// accumulated text discarded. The returned channel closes when the stream
// reaches a terminal state.
func (c *StreamConsumer) Start(ctx context.Context, prompt, sessionID, conversationID string) <-chan struct{} {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.done = done
	c.state = StreamIdle
	c.answer.Reset()
	c.thinking = nil
	c.errMsg = ""
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := c.consume(reqCtx, gen, chatRequest{
			Prompt:         prompt,
			SessionID:      sessionID,
			ConversationID: conversationID,
		}); err != nil {
			c.fail(gen, err.Error())
		}
	}()
	return done
}

func (c *StreamConsumer) consume(ctx context.Context, gen int, req chatRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("stream request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	scanner.Split(splitDoubleNewline)
	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		terminal, err := c.apply(gen, frame)
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.ByteString("frame", frame), zap.Error(err))
			continue
		}
		if terminal {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream ended without a terminal chunk")
}

// apply folds one wire frame into the accumulated state. It reports whether
// the frame was terminal. Frames from a superseded request are discarded.
func (c *StreamConsumer) apply(gen int, frame []byte) (bool, error) {
	payload, ok := bytes.CutPrefix(bytes.TrimSpace(frame), []byte("data: "))
	if !ok {
		return false, fmt.Errorf("frame missing data prefix")
	}
	var chunk relay.StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return false, fmt.Errorf("decode chunk: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return true, nil
	}
	switch chunk.Kind {
	case relay.ChunkThinking:
		// Thinking is only entered from idle. Reasoning interleaved after
		// answer text has started must not walk the state back.
		if c.state == StreamIdle || c.state == StreamThinking {
			c.state = StreamThinking
		}
		c.thinking = append(c.thinking, chunk.Reasoning)
	case relay.ChunkAnswer:
		c.state = StreamStreaming
		c.answer.WriteString(chunk.Delta)
	case relay.ChunkComplete:
		c.state = StreamComplete
		return true, nil
	case relay.ChunkError:
		c.state = StreamError
		c.errMsg = chunk.Message
		return true, nil
	default:
		return false, fmt.Errorf("unknown chunk kind %q", chunk.Kind)
	}
	return false, nil
}

func (c *StreamConsumer) fail(gen int, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StreamComplete || c.state == StreamError {
		return
	}
	c.state = StreamError
	c.errMsg = message
}

// Cancel aborts the in-flight request, if any, and returns to idle.
func (c *StreamConsumer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.reset()
}

// Reset discards accumulated text and returns to idle. In-flight requests
// are aborted.
func (c *StreamConsumer) Reset() {
	c.Cancel()
}

func (c *StreamConsumer) reset() {
	c.state = StreamIdle
	c.answer.Reset()
	c.thinking = nil
	c.errMsg = ""
}

func (c *StreamConsumer) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Answer is the answer text received so far.
func (c *StreamConsumer) Answer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answer.String()
}

// Thinking returns the reasoning fragments in arrival order.
func (c *StreamConsumer) Thinking() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.thinking))
	copy(out, c.thinking)
	return out
}

func (c *StreamConsumer) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// splitDoubleNewline tokenizes a byte stream on blank-line boundaries, the
// frame separator of the answer stream.
func splitDoubleNewline(data []byte, atEOF bool) (int, []byte, error) {
	if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		return idx + 2, data[:idx], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
