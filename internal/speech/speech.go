package speech

import "context"

type EventType string

const (
	EventOpen       EventType = "open"
	EventTranscript EventType = "transcript"
	EventMetadata   EventType = "metadata"
	EventError      EventType = "error"
	EventClose      EventType = "close"
)

// Event is one provider-side occurrence surfaced to the transcription relay.
type Event struct {
	Type        EventType
	Text        string
	IsFinal     bool
	SpeechFinal bool
	Code        string
	Detail      string
	Retryable   bool
}

// SessionOptions configure one live-transcription session.
type SessionOptions struct {
	Model          string
	Language       string
	DetectLanguage bool
}

// Session is one live-transcription connection to the provider. SendAudio and
// the control sends may be called from one goroutine at a time; Close is
// idempotent and safe to call from any teardown path.
type Session interface {
	SendAudio(data []byte) error
	SendKeepAlive() error
	Finalize() error
	CloseStream() error
	Close() error
}

// Provider opens live-transcription sessions.
type Provider interface {
	StartSession(ctx context.Context, opts SessionOptions) (Session, <-chan Event, error)
}
