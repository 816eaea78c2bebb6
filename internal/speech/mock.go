package speech

import (
	"context"
	"sync"
)

// MockProvider is a scriptable in-process provider used by tests and by
// provider-less development runs.
type MockProvider struct {
	mu sync.Mutex

	// SuppressOpen prevents the automatic open event, simulating a provider
	// that accepts the socket but never starts the session.
	SuppressOpen bool
	StartErr     error

	sessions []*MockSession
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StartSession(_ context.Context, opts SessionOptions) (Session, <-chan Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, nil, p.StartErr
	}
	events := make(chan Event, 64)
	s := &MockSession{events: events, opts: opts}
	if !p.SuppressOpen {
		events <- Event{Type: EventOpen}
	}
	p.sessions = append(p.sessions, s)
	return s, events, nil
}

// Sessions returns every session opened so far.
func (p *MockProvider) Sessions() []*MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*MockSession, len(p.sessions))
	copy(out, p.sessions)
	return out
}

type MockSession struct {
	mu     sync.Mutex
	events chan Event
	opts   SessionOptions
	closed bool

	audio        [][]byte
	keepAlives   int
	finalizes    int
	closeStreams int
}

func (s *MockSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.audio = append(s.audio, buf)
	return nil
}

func (s *MockSession) SendKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAlives++
	return nil
}

func (s *MockSession) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizes++
	return nil
}

func (s *MockSession) CloseStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeStreams++
	return nil
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Emit scripts a provider event toward the relay. No-op once closed.
func (s *MockSession) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *MockSession) Options() SessionOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

func (s *MockSession) AudioFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

func (s *MockSession) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlives
}

func (s *MockSession) Finalizes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizes
}

func (s *MockSession) CloseStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeStreams
}

func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
