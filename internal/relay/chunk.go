package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ChunkKind identifies a chunk emitted toward the browser.
type ChunkKind string

const (
	ChunkThinking ChunkKind = "thinking"
	ChunkAnswer   ChunkKind = "answer"
	ChunkComplete ChunkKind = "complete"
	ChunkError    ChunkKind = "error"
)

// StreamChunk is one event of the outbound answer stream. A request sees any
// number of thinking/answer chunks followed by exactly one terminal chunk
// (complete or error).
type StreamChunk struct {
	Kind      ChunkKind `json:"kind"`
	Delta     string    `json:"delta,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Sink receives chunks in emission order. Implementations are not required to
// be safe for concurrent use; the relay calls Send from a single goroutine.
type Sink interface {
	Send(chunk StreamChunk) error
}

// EventStreamSink frames chunks as `data: <json>` events over a chunked HTTP
// response, flushing after every frame so delivery is incremental.
type EventStreamSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func NewEventStreamSink(w http.ResponseWriter) (*EventStreamSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &EventStreamSink{w: w, flusher: flusher}, nil
}

func (s *EventStreamSink) Send(chunk StreamChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	s.flusher.Flush()
	return nil
}
