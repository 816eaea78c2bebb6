package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/quillchat/quill/internal/reliability"
)

// LiveConfig configures the websocket connection to the speech provider.
type LiveConfig struct {
	WSBaseURL       string
	APIKey          string
	DefaultModel    string
	DefaultLanguage string
}

// LiveProvider speaks the provider's live-transcription websocket protocol:
// JSON text frames for transcripts and control, raw binary frames for audio.
type LiveProvider struct {
	cfg LiveConfig
}

func NewLiveProvider(cfg LiveConfig) *LiveProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com/v1/listen"
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = "nova-2"
	}
	return &LiveProvider{cfg: cfg}
}

func (p *LiveProvider) StartSession(ctx context.Context, opts SessionOptions) (Session, <-chan Event, error) {
	u, err := url.Parse(p.cfg.WSBaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse speech url: %w", err)
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = p.cfg.DefaultModel
	}
	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = p.cfg.DefaultLanguage
	}

	q := u.Query()
	q.Set("model", model)
	if language != "" {
		q.Set("language", language)
	}
	if opts.DetectLanguage {
		q.Set("detect_language", "true")
	}
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	q.Set("endpointing", "300")
	q.Set("utterance_end_ms", "1000")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial speech websocket: %w", err)
	}

	events := make(chan Event, 256)
	s := &liveSession{conn: conn, events: events, done: make(chan struct{})}
	// The provider treats a successful upgrade as session start; surface it
	// as an explicit open event so the relay's ready handshake has one shape
	// for every provider.
	events <- Event{Type: EventOpen}
	go s.readLoop()
	return s, events, nil
}

type liveSession struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	connOnce sync.Once
	done     chan struct{}
	events   chan Event
}

func (s *liveSession) SendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *liveSession) SendKeepAlive() error {
	return s.writeControl("KeepAlive")
}

func (s *liveSession) Finalize() error {
	return s.writeControl("Finalize")
}

func (s *liveSession) CloseStream() error {
	return s.writeControl("CloseStream")
}

func (s *liveSession) writeControl(kind string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]string{"type": kind})
}

type liveResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// readLoop is the only writer and closer of s.events, so a concurrent Close
// can never race a send against a closed channel.
func (s *liveSession) readLoop() {
	defer func() {
		s.teardown()
		// Non-blocking: after teardown nobody may be draining the channel.
		select {
		case s.events <- Event{Type: EventClose}:
		default:
		}
		close(s.events)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == websocket.CloseNormalClosure {
				return
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			select {
			case s.events <- Event{
				Type:      EventError,
				Detail:    err.Error(),
				Retryable: reliability.IsNetworkError("", err.Error()),
			}:
			default:
			}
			return
		}

		var msg liveResult
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Results":
			text := ""
			if len(msg.Channel.Alternatives) > 0 {
				text = msg.Channel.Alternatives[0].Transcript
			}
			if !s.emit(Event{
				Type:        EventTranscript,
				Text:        text,
				IsFinal:     msg.IsFinal,
				SpeechFinal: msg.SpeechFinal,
			}) {
				return
			}
		case "Metadata", "UtteranceEnd", "SpeechStarted":
			if !s.emit(Event{Type: EventMetadata, Detail: msg.Type}) {
				return
			}
		case "Error":
			detail := msg.Description
			if detail == "" {
				detail = msg.Message
			}
			if !s.emit(Event{
				Type:      EventError,
				Code:      msg.Type,
				Detail:    detail,
				Retryable: reliability.IsNetworkError(msg.Type, detail),
			}) {
				return
			}
		default:
			// Unknown frame kinds are provider additions; ignore them.
		}
	}
}

// emit delivers an event unless the session was torn down. Blocking forever
// on a consumer that stopped draining would wedge the read loop.
func (s *liveSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// teardown closes the socket and releases any emit blocked on a full event
// buffer. Runs at most once.
func (s *liveSession) teardown() error {
	var retErr error
	s.connOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.done)
	})
	return retErr
}

// Close tears down the socket; the read loop notices and drains the event
// channel with a final close event. Safe to call more than once.
func (s *liveSession) Close() error {
	return s.teardown()
}
