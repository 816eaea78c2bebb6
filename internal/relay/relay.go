package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/llm"
	"github.com/quillchat/quill/internal/observability"
	"github.com/quillchat/quill/internal/reliability"
	"github.com/quillchat/quill/internal/store"
)

// Upstream is the language-model provider client the relay reads from.
// *llm.Client satisfies it.
type Upstream interface {
	Configured() bool
	Stream(ctx context.Context, prompt, sessionID string, onEvent llm.EventHandler) error
}

// Request is one inbound prompt. ConversationID and CallerID are optional;
// both must be present for the finished answer to be persisted.
type Request struct {
	Prompt         string
	SessionID      string
	ConversationID string
	CallerID       string
}

// Options tune chunk batching and persisted metadata.
type Options struct {
	BatchMinChars int
	BatchMaxDelay time.Duration
	ModelName     string
}

// Relay owns the per-request flow from prompt to terminal chunk: it reads the
// upstream NDJSON event stream, batches answer deltas, forwards reasoning,
// and persists the reconstituted answer once the stream completes.
type Relay struct {
	upstream Upstream
	messages store.Store
	metrics  *observability.Metrics
	stages   *observability.StageWindow
	logger   *zap.Logger
	opts     Options
}

func New(
	upstream Upstream,
	messages store.Store,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
	logger *zap.Logger,
	opts Options,
) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		upstream: upstream,
		messages: messages,
		metrics:  metrics,
		stages:   stages,
		logger:   logger,
		opts:     opts,
	}
}

// Run relays one request. Configuration errors are returned before any chunk
// is sent; every failure after that surfaces as a single terminal error chunk
// and a nil return. Cancelling ctx aborts the upstream read without emitting
// further chunks and without persisting.
func (r *Relay) Run(ctx context.Context, req Request, sink Sink) error {
	if !r.upstream.Configured() {
		return llm.ErrNotConfigured
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan llm.Event, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.upstream.Stream(ctx, req.Prompt, req.SessionID, func(ev llm.Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		close(events)
	}()

	var (
		start         = time.Now()
		batch         = newTextBatch(r.opts.BatchMinChars, r.opts.BatchMaxDelay)
		fullAnswer    strings.Builder
		fullReasoning strings.Builder
		thinkingStart time.Time
		thinkingDur   time.Duration

		sawFirstThinking bool
		sawFirstAnswer   bool
	)

	emit := func(chunk StreamChunk) error {
		if r.metrics != nil {
			r.metrics.StreamChunks.WithLabelValues(string(chunk.Kind)).Inc()
		}
		return sink.Send(chunk)
	}

	flushBatch := func() error {
		text := batch.take()
		if text == "" {
			return nil
		}
		if !sawFirstAnswer {
			sawFirstAnswer = true
			r.observeStage("prompt_to_first_answer", time.Since(start))
		}
		return emit(StreamChunk{Kind: ChunkAnswer, Delta: text})
	}

	closeThinking := func() {
		if !thinkingStart.IsZero() && thinkingDur == 0 {
			thinkingDur = time.Since(thinkingStart)
		}
	}

	finishWith := func(terminal StreamChunk) error {
		if err := flushBatch(); err != nil {
			return err
		}
		if err := emit(terminal); err != nil {
			return err
		}
		r.observeStage("stream_total", time.Since(start))
		if r.metrics != nil {
			r.metrics.ObserveRelayDuration(time.Since(start))
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-batch.timerC():
			if err := flushBatch(); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok {
				// Upstream read loop ended without a finish or error event.
				err := <-errCh
				if err == nil {
					err = errors.New("upstream stream ended unexpectedly")
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warn("answer stream failed", zap.Error(err))
				r.countProviderError(err)
				return finishWith(StreamChunk{Kind: ChunkError, Message: userFacingError(err)})
			}

			switch ev.Type {
			case llm.EventTextDelta:
				fullAnswer.WriteString(ev.Delta)
				if batch.add(ev.Delta) {
					if err := flushBatch(); err != nil {
						return err
					}
				}

			case llm.EventReasoningStart:
				if thinkingStart.IsZero() {
					thinkingStart = time.Now()
				}

			case llm.EventReasoningDelta:
				if thinkingStart.IsZero() {
					thinkingStart = time.Now()
				}
				fullReasoning.WriteString(ev.Delta)
				if !sawFirstThinking {
					sawFirstThinking = true
					r.observeStage("prompt_to_first_thinking", time.Since(start))
				}
				if err := emit(StreamChunk{Kind: ChunkThinking, Reasoning: ev.Delta}); err != nil {
					return err
				}

			case llm.EventTextStart, llm.EventReasoningEnd:
				closeThinking()

			case llm.EventFinish:
				closeThinking()
				if err := finishWith(StreamChunk{Kind: ChunkComplete}); err != nil {
					return err
				}
				r.persist(ctx, req, fullAnswer.String(), fullReasoning.String(), time.Since(start), thinkingDur)
				return nil

			case llm.EventError:
				r.logger.Warn("upstream reported stream error", zap.String("message", ev.Message))
				if r.metrics != nil {
					r.metrics.ProviderErrors.WithLabelValues("llm", "stream_error").Inc()
				}
				msg := ev.Message
				if msg == "" {
					msg = "upstream reported an error"
				}
				return finishWith(StreamChunk{Kind: ChunkError, Message: msg})

			case llm.EventStart, llm.EventTextEnd:
				// Framing markers; nothing to forward.
			}
		}
	}
}

// persist writes the assistant message after a successful stream. Failures
// are logged and swallowed: the stream already succeeded from the caller's
// point of view.
func (r *Relay) persist(ctx context.Context, req Request, answer, reasoning string, total, thinking time.Duration) {
	if r.messages == nil || req.ConversationID == "" || req.CallerID == "" || answer == "" {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := r.messages.CreateAssistantMessage(saveCtx, store.AssistantMessage{
		ConversationID: req.ConversationID,
		CallerID:       req.CallerID,
		Content:        answer,
		Reasoning:      reasoning,
		Metadata: store.Metadata{
			Model:           r.opts.ModelName,
			DurationMS:      total.Milliseconds(),
			ThinkingSeconds: thinking.Seconds(),
		},
	})
	if err != nil {
		r.logger.Error("assistant message persistence failed",
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err),
		)
	}
}

func (r *Relay) observeStage(stage string, d time.Duration) {
	if r.stages != nil {
		r.stages.Observe(stage, d)
	}
}

func (r *Relay) countProviderError(err error) {
	if r.metrics == nil {
		return
	}
	// Overload and server-side statuses count as transport trouble; only a
	// definitive rejection of the request itself counts as rejected.
	var upstream *llm.UpstreamError
	if errors.As(err, &upstream) && !reliability.IsRetryableHTTPStatus(upstream.StatusCode) {
		r.metrics.ProviderErrors.WithLabelValues("llm", "rejected").Inc()
		return
	}
	r.metrics.ProviderErrors.WithLabelValues("llm", "transport").Inc()
}

// userFacingError keeps upstream rejection text visible to the browser while
// shielding it from internal transport details.
func userFacingError(err error) string {
	var upstream *llm.UpstreamError
	if errors.As(err, &upstream) {
		if upstream.Body != "" {
			return "upstream error: " + upstream.Body
		}
		return "upstream error"
	}
	return "answer stream interrupted: " + err.Error()
}
