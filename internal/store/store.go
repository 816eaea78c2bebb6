package store

import (
	"context"
	"strings"
	"time"
)

// Metadata is attached to a persisted assistant message.
type Metadata struct {
	Model           string  `json:"model,omitempty"`
	DurationMS      int64   `json:"duration_ms"`
	ThinkingSeconds float64 `json:"thinking_seconds,omitempty"`
}

// AssistantMessage is the single record this subsystem writes. The wider
// conversation schema belongs to the account/chat service.
type AssistantMessage struct {
	ID             string
	ConversationID string
	CallerID       string
	Content        string
	Reasoning      string
	Metadata       Metadata
	CreatedAt      time.Time
}

// Store persists assistant messages produced by completed answer streams.
type Store interface {
	CreateAssistantMessage(ctx context.Context, msg AssistantMessage) error
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
