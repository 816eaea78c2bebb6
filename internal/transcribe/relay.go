package transcribe

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/auth"
	"github.com/quillchat/quill/internal/observability"
	"github.com/quillchat/quill/internal/ratelimit"
	"github.com/quillchat/quill/internal/speech"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 120 * time.Second

	// Maximum inbound frame size: audio chunks from the browser arrive in
	// sub-second bursts, far below this.
	maxMessageSize = 1 << 20
)

// TokenVerifier authenticates the access token carried on the upgrade URL.
// *auth.Verifier satisfies it.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Options tune per-connection guard timers.
type Options struct {
	// OpenTimeout bounds how long a provider session may take to reach open
	// after a start message.
	OpenTimeout time.Duration
	// KeepAliveGap is both the keepalive cadence and the idle threshold
	// below which keepalives are suppressed.
	KeepAliveGap time.Duration
}

// Relay bridges browser transcription websockets to the speech provider. Each
// accepted socket gets one goroutine that serializes every state mutation:
// inbound frames, provider events, and timer ticks all pass through it.
type Relay struct {
	provider speech.Provider
	verifier TokenVerifier
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	logger   *zap.Logger
	opts     Options
}

func NewRelay(
	provider speech.Provider,
	verifier TokenVerifier,
	limiter *ratelimit.Limiter,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts Options,
) *Relay {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	if opts.KeepAliveGap <= 0 {
		opts.KeepAliveGap = 3500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		provider: provider,
		verifier: verifier,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
	}
}

// Handle owns ws from just after the upgrade until close. It authenticates,
// charges the rate limit, then runs the per-connection loop.
func (r *Relay) Handle(ctx context.Context, ws *websocket.Conn, token string) {
	identity, err := r.verifier.Verify(token)
	if err != nil {
		r.logger.Info("transcription auth rejected", zap.Error(err))
		closeWithPolicyViolation(ws, "invalid access token")
		return
	}

	if !r.limiter.CanConnect(identity.UserID) {
		r.logger.Info("transcription connection rate limited", zap.String("user_id", identity.UserID))
		if r.metrics != nil {
			r.metrics.RateLimitRejections.Inc()
		}
		closeWithPolicyViolation(ws, "connection limit exceeded")
		return
	}
	r.limiter.RecordConnection(identity.UserID)
	if r.metrics != nil {
		r.metrics.ActiveTranscriptions.Inc()
	}

	c := &conn{
		relay:  r,
		ws:     ws,
		userID: identity.UserID,
		logger: r.logger.With(zap.String("user_id", identity.UserID)),
		done:   make(chan struct{}),
	}
	c.run(ctx)
}

func closeWithPolicyViolation(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}
