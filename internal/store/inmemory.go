package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps assistant messages in-process for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]AssistantMessage
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{messages: make(map[string][]AssistantMessage)}
}

func (s *InMemoryStore) CreateAssistantMessage(_ context.Context, msg AssistantMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

// Messages returns the messages recorded for a conversation in insert order.
func (s *InMemoryStore) Messages(conversationID string) []AssistantMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	out := make([]AssistantMessage, len(arr))
	copy(out, arr)
	return out
}

func (s *InMemoryStore) Close() error { return nil }
