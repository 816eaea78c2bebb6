package llm

import "encoding/json"

// EventType identifies one line of the provider's NDJSON answer stream.
type EventType string

const (
	EventStart          EventType = "start"
	EventTextStart      EventType = "text-start"
	EventTextDelta      EventType = "text-delta"
	EventTextEnd        EventType = "text-end"
	EventReasoningStart EventType = "reasoning-start"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
)

// Event is one upstream stream event. It lives only for the duration of a
// single relay invocation and is never stored.
type Event struct {
	Type    EventType `json:"type"`
	Delta   string    `json:"delta,omitempty"`
	Message string    `json:"message,omitempty"`
}

// decodeLine parses a single NDJSON line. ok=false means the line should be
// skipped: blank lines and partial framing artifacts are expected from some
// providers and must not kill the stream.
func decodeLine(line []byte) (Event, bool) {
	if len(line) == 0 {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, false
	}
	if ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}
