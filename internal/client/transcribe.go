package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/protocol"
	"github.com/quillchat/quill/internal/reliability"
)

// Audio source acquisition failures. Each maps to a distinct user-facing
// message because the remedies differ.
var (
	ErrMicDenied   = errors.New("microphone permission denied")
	ErrMicNotFound = errors.New("no microphone found")
	ErrMicBusy     = errors.New("microphone is in use by another application")
)

// AudioSource supplies capture chunks. Implementations wrap whatever capture
// backend the host environment provides.
type AudioSource interface {
	// Supports reports whether the source can capture in the given encoding.
	Supports(encoding string) bool
	// Start begins capture. It may fail with ErrMicDenied, ErrMicNotFound,
	// or ErrMicBusy.
	Start(encoding string) error
	// Chunk returns the audio captured since the previous call. An empty
	// slice means nothing was captured in the interval.
	Chunk() ([]byte, error)
	Close() error
}

// TranscriberState is the capture lifecycle: idle -> connecting -> recording
// -> idle, with error reachable from anywhere.
type TranscriberState string

const (
	TranscriberIdle       TranscriberState = "idle"
	TranscriberConnecting TranscriberState = "connecting"
	TranscriberRecording  TranscriberState = "recording"
	TranscriberError      TranscriberState = "error"
)

// DefaultEncodings is the capture encoding preference order. The first one
// the audio source supports wins.
var DefaultEncodings = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/mp4",
}

type TranscriberOptions struct {
	// ChunkInterval is the cadence of audio forwarding.
	ChunkInterval time.Duration
	// MaxReconnects bounds recovery attempts after an abnormal socket close.
	MaxReconnects int
	// ReconnectBase seeds the doubling reconnect backoff.
	ReconnectBase time.Duration
	// Encodings overrides DefaultEncodings when non-nil.
	Encodings []string
	// Session is forwarded on the start control message.
	Session protocol.Start
	// Dialer overrides websocket.DefaultDialer when non-nil.
	Dialer *websocket.Dialer
}

const reconnectBackoffCap = 10 * time.Second

// errAudioSource marks capture failures, which are terminal: reconnecting
// the socket cannot fix a dead source.
var errAudioSource = errors.New("audio source failed")

// Transcriber captures microphone audio and streams it to the transcription
// endpoint, accumulating confirmed and interim text.
type Transcriber struct {
	url    string
	token  string
	source AudioSource
	opts   TranscriberOptions
	logger *zap.Logger

	mu       sync.Mutex
	state    TranscriberState
	finals   []string
	interim  string
	errMsg   string
	cancel   context.CancelFunc
	done     chan struct{}
	encoding string
}

func NewTranscriber(url, token string, source AudioSource, opts TranscriberOptions, logger *zap.Logger) *Transcriber {
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = 250 * time.Millisecond
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 3
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	if opts.Encodings == nil {
		opts.Encodings = DefaultEncodings
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcriber{
		url:    url,
		token:  token,
		source: source,
		opts:   opts,
		logger: logger,
		state:  TranscriberIdle,
	}
}

// Start acquires the audio source, connects, and begins forwarding audio. It
// returns once the server has acknowledged the session with ready, or with
// the first error on the way there.
func (tr *Transcriber) Start(ctx context.Context) error {
	tr.mu.Lock()
	if tr.state == TranscriberConnecting || tr.state == TranscriberRecording {
		tr.mu.Unlock()
		return errors.New("transcriber already running")
	}
	tr.state = TranscriberConnecting
	tr.finals = nil
	tr.interim = ""
	tr.errMsg = ""
	tr.mu.Unlock()

	encoding, err := tr.pickEncoding()
	if err != nil {
		tr.fail(err.Error())
		return err
	}
	if err := tr.source.Start(encoding); err != nil {
		err = describeMicError(err)
		tr.fail(err.Error())
		return err
	}
	tr.mu.Lock()
	tr.encoding = encoding
	tr.mu.Unlock()

	ws, err := tr.connect(ctx)
	if err != nil {
		_ = tr.source.Close()
		tr.fail(err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	tr.mu.Lock()
	tr.cancel = cancel
	tr.done = done
	tr.state = TranscriberRecording
	tr.mu.Unlock()

	go tr.run(runCtx, ws, done)
	return nil
}

// Stop ends capture and returns to idle. Confirmed text survives; the
// in-flight interim fragment is kept as-is.
func (tr *Transcriber) Stop() {
	tr.mu.Lock()
	cancel := tr.cancel
	done := tr.done
	tr.cancel = nil
	tr.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	tr.mu.Lock()
	if tr.state != TranscriberError {
		tr.state = TranscriberIdle
	}
	tr.mu.Unlock()
}

func (tr *Transcriber) State() TranscriberState {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.state
}

// ConfirmedText is the space-joined final transcripts received so far.
func (tr *Transcriber) ConfirmedText() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return strings.Join(tr.finals, " ")
}

// InterimText is the current provisional fragment. It is replaced, never
// appended, as fresher interims arrive.
func (tr *Transcriber) InterimText() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.interim
}

func (tr *Transcriber) Err() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.errMsg
}

func (tr *Transcriber) pickEncoding() (string, error) {
	for _, encoding := range tr.opts.Encodings {
		if tr.source.Supports(encoding) {
			return encoding, nil
		}
	}
	return "", errors.New("no supported audio encoding")
}

func describeMicError(err error) error {
	switch {
	case errors.Is(err, ErrMicDenied), errors.Is(err, ErrMicNotFound), errors.Is(err, ErrMicBusy):
		return err
	default:
		return fmt.Errorf("audio capture failed: %w", err)
	}
}

// connect dials the endpoint and completes the start/ready handshake.
func (tr *Transcriber) connect(ctx context.Context) (*websocket.Conn, error) {
	url := tr.url
	if tr.token != "" {
		url += "?token=" + tr.token
	}
	ws, _, err := tr.opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial transcription endpoint: %w", err)
	}

	start := tr.opts.Session
	start.Type = protocol.TypeStart
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteJSON(start); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send start: %w", err)
	}

	// Audio is gated on ready. Anything sent earlier lands on a session
	// that does not exist yet.
	_ = ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("await ready: %w", err)
		}
		msg, err := protocol.ParseServerEvent(data)
		if err != nil {
			tr.logger.Debug("ignoring unknown pre-ready event", zap.ByteString("event", data))
			continue
		}
		switch m := msg.(type) {
		case protocol.Ready:
			_ = ws.SetReadDeadline(time.Time{})
			return ws, nil
		case protocol.ErrorEvent:
			ws.Close()
			return nil, fmt.Errorf("session rejected: %s", m.Message)
		}
	}
}

// run owns the socket until stop, terminal error, or exhausted reconnects.
func (tr *Transcriber) run(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer tr.source.Close()

	for {
		closeCode, err := tr.pump(ctx, ws)
		if ctx.Err() != nil {
			// Deliberate stop: flush the provider side before closing.
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = ws.WriteJSON(protocol.Finalize{Type: protocol.TypeFinalize})
			_ = ws.WriteJSON(protocol.CloseStream{Type: protocol.TypeCloseStream})
			ws.Close()
			return
		}
		ws.Close()
		if closeCode == websocket.CloseNormalClosure {
			tr.setIdle()
			return
		}
		if errors.Is(err, errAudioSource) {
			tr.fail(err.Error())
			return
		}
		// Reconnect only on network-layer loss: a raw transport drop (no
		// close frame) or a close code that signals transient server
		// trouble. Deliberate non-1000 closes such as a policy violation
		// are terminal.
		if closeCode != -1 && !reliability.IsRetryableCloseCode(closeCode) {
			tr.fail(fmt.Sprintf("transcription connection closed: %v", err))
			return
		}

		tr.logger.Info("transcription socket lost", zap.Int("close_code", closeCode), zap.Error(err))
		next, reconnectErr := tr.reconnect(ctx)
		if reconnectErr != nil {
			tr.fail(fmt.Sprintf("transcription connection lost: %v", reconnectErr))
			return
		}
		ws = next
	}
}

// pump forwards audio on a fixed cadence and folds transcript events until
// the socket drops. The returned close code is -1 for non-close failures.
func (tr *Transcriber) pump(ctx context.Context, ws *websocket.Conn) (int, error) {
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := protocol.ParseServerEvent(data)
			if err != nil {
				tr.logger.Debug("ignoring unknown server event", zap.ByteString("event", data))
				continue
			}
			tr.applyEvent(msg)
		}
	}()

	ticker := time.NewTicker(tr.opts.ChunkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case err := <-readErr:
			return closeCodeOf(err), err
		case <-ticker.C:
			chunk, err := tr.source.Chunk()
			if err != nil {
				return -1, fmt.Errorf("%w: %v", errAudioSource, err)
			}
			if len(chunk) == 0 {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return closeCodeOf(err), err
			}
		}
	}
}

func (tr *Transcriber) applyEvent(msg any) {
	switch m := msg.(type) {
	case protocol.Transcript:
		tr.mu.Lock()
		if m.IsFinal {
			if strings.TrimSpace(m.Text) != "" {
				tr.finals = append(tr.finals, strings.TrimSpace(m.Text))
			}
			tr.interim = ""
		} else {
			tr.interim = m.Text
		}
		tr.mu.Unlock()
	case protocol.ErrorEvent:
		if !m.Retryable {
			tr.fail(m.Message)
		} else {
			tr.logger.Info("retryable transcription error", zap.String("message", m.Message))
		}
	}
}

// reconnect retries the connect handshake with doubling backoff, reusing the
// already running audio source.
func (tr *Transcriber) reconnect(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < tr.opts.MaxReconnects; attempt++ {
		delay := reliability.ExponentialBackoff(attempt, tr.opts.ReconnectBase, reconnectBackoffCap)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		ws, err := tr.connect(ctx)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		tr.logger.Info("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", tr.opts.MaxReconnects, lastErr)
}

func (tr *Transcriber) fail(message string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.state = TranscriberError
	tr.errMsg = message
}

func (tr *Transcriber) setIdle() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.state == TranscriberRecording {
		tr.state = TranscriberIdle
	}
}

func closeCodeOf(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return -1
}
