package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/quillchat/quill/internal/llm"
	"github.com/quillchat/quill/internal/observability"
	"github.com/quillchat/quill/internal/store"
)

type fakeUpstream struct {
	events       []llm.Event
	finalErr     error
	unconfigured bool
	// blockAfterEvents keeps the stream open after delivering all events
	// until the context is cancelled, simulating a stalled upstream.
	blockAfterEvents bool
}

func (f *fakeUpstream) Configured() bool { return !f.unconfigured }

func (f *fakeUpstream) Stream(ctx context.Context, _, _ string, onEvent llm.EventHandler) error {
	if f.unconfigured {
		return llm.ErrNotConfigured
	}
	for _, ev := range f.events {
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	if f.blockAfterEvents {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.finalErr
}

type collectSink struct {
	chunks []StreamChunk
}

func (s *collectSink) Send(chunk StreamChunk) error {
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *collectSink) kinds() []ChunkKind {
	out := make([]ChunkKind, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = c.Kind
	}
	return out
}

func newTestRelay(up Upstream, messages store.Store, opts Options) *Relay {
	return New(up, messages, nil, nil, nil, opts)
}

func TestRunBatchesShortDeltasUntilFinish(t *testing.T) {
	up := &fakeUpstream{events: []llm.Event{
		{Type: llm.EventStart},
		{Type: llm.EventTextDelta, Delta: "Hel"},
		{Type: llm.EventTextDelta, Delta: "lo"},
		{Type: llm.EventFinish},
	}}
	sink := &collectSink{}
	r := newTestRelay(up, nil, Options{BatchMinChars: 6, BatchMaxDelay: time.Hour})

	if err := r.Run(context.Background(), Request{Prompt: "hi"}, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// "Hel"+"lo" stays under the threshold, so the single answer chunk is
	// produced by the flush-on-finish path.
	want := []ChunkKind{ChunkAnswer, ChunkComplete}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("chunk kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if sink.chunks[0].Delta != "Hello" {
		t.Fatalf("answer delta = %q, want %q", sink.chunks[0].Delta, "Hello")
	}
}

func TestRunPreservesDeltaOrderAndContent(t *testing.T) {
	deltas := []string{"The ", "qui", "ck brown fox ", "j", "u", "mps over", " the lazy dog."}
	events := []llm.Event{{Type: llm.EventStart}}
	for _, d := range deltas {
		events = append(events, llm.Event{Type: llm.EventTextDelta, Delta: d})
	}
	events = append(events, llm.Event{Type: llm.EventFinish})

	sink := &collectSink{}
	r := newTestRelay(&fakeUpstream{events: events}, nil, Options{BatchMinChars: 6, BatchMaxDelay: time.Hour})
	if err := r.Run(context.Background(), Request{Prompt: "hi"}, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var rebuilt strings.Builder
	for _, c := range sink.chunks {
		if c.Kind == ChunkAnswer {
			rebuilt.WriteString(c.Delta)
		}
	}
	if rebuilt.String() != strings.Join(deltas, "") {
		t.Fatalf("reassembled answer = %q, want %q", rebuilt.String(), strings.Join(deltas, ""))
	}
	if last := sink.chunks[len(sink.chunks)-1]; last.Kind != ChunkComplete {
		t.Fatalf("last chunk = %q, want complete", last.Kind)
	}
}

func TestRunFlushesOnDelayWhenUnderThreshold(t *testing.T) {
	up := &fakeUpstream{
		events: []llm.Event{
			{Type: llm.EventTextDelta, Delta: "a"},
			{Type: llm.EventTextDelta, Delta: "b"},
		},
		blockAfterEvents: true,
	}
	sink := make(chan StreamChunk, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newTestRelay(up, nil, Options{BatchMinChars: 100, BatchMaxDelay: 30 * time.Millisecond})
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, Request{Prompt: "hi"}, chanSink(sink))
	}()

	select {
	case chunk := <-sink:
		if chunk.Kind != ChunkAnswer || chunk.Delta != "ab" {
			t.Fatalf("chunk = %+v, want answer %q", chunk, "ab")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no answer chunk before timeout; delay flush did not fire")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

type chanSink chan StreamChunk

func (s chanSink) Send(chunk StreamChunk) error {
	s <- chunk
	return nil
}

func TestRunEmitsThinkingImmediately(t *testing.T) {
	up := &fakeUpstream{events: []llm.Event{
		{Type: llm.EventReasoningStart},
		{Type: llm.EventReasoningDelta, Delta: "considering "},
		{Type: llm.EventReasoningDelta, Delta: "options"},
		{Type: llm.EventReasoningEnd},
		{Type: llm.EventTextStart},
		{Type: llm.EventTextDelta, Delta: "Answer."},
		{Type: llm.EventFinish},
	}}
	sink := &collectSink{}
	r := newTestRelay(up, nil, Options{BatchMinChars: 6, BatchMaxDelay: time.Hour})
	if err := r.Run(context.Background(), Request{Prompt: "hi"}, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []ChunkKind{ChunkThinking, ChunkThinking, ChunkAnswer, ChunkComplete}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("chunk kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if sink.chunks[0].Reasoning != "considering " || sink.chunks[1].Reasoning != "options" {
		t.Fatalf("thinking chunks = %+v, want separate reasoning fragments", sink.chunks[:2])
	}
}

func TestRunPersistsAfterCompleteStream(t *testing.T) {
	up := &fakeUpstream{events: []llm.Event{
		{Type: llm.EventReasoningDelta, Delta: "thinking"},
		{Type: llm.EventTextStart},
		{Type: llm.EventTextDelta, Delta: "The answer."},
		{Type: llm.EventFinish},
	}}
	messages := store.NewInMemoryStore()
	sink := &collectSink{}
	r := newTestRelay(up, messages, Options{BatchMinChars: 6, BatchMaxDelay: time.Hour, ModelName: "atlas-1"})

	req := Request{Prompt: "hi", ConversationID: "c1", CallerID: "u1"}
	if err := r.Run(context.Background(), req, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	saved := messages.Messages("c1")
	if len(saved) != 1 {
		t.Fatalf("persisted messages = %d, want 1", len(saved))
	}
	msg := saved[0]
	if msg.Content != "The answer." {
		t.Fatalf("Content = %q, want full answer", msg.Content)
	}
	if msg.Reasoning != "thinking" {
		t.Fatalf("Reasoning = %q, want accumulated reasoning", msg.Reasoning)
	}
	if msg.CallerID != "u1" {
		t.Fatalf("CallerID = %q, want %q", msg.CallerID, "u1")
	}
	if msg.Metadata.Model != "atlas-1" {
		t.Fatalf("Metadata.Model = %q, want %q", msg.Metadata.Model, "atlas-1")
	}
	if msg.Metadata.ThinkingSeconds < 0 {
		t.Fatalf("ThinkingSeconds = %f, want >= 0", msg.Metadata.ThinkingSeconds)
	}
}

func TestRunSkipsPersistenceWithoutAnswerText(t *testing.T) {
	up := &fakeUpstream{events: []llm.Event{
		{Type: llm.EventStart},
		{Type: llm.EventFinish},
	}}
	messages := store.NewInMemoryStore()
	sink := &collectSink{}
	r := newTestRelay(up, messages, Options{})

	req := Request{Prompt: "hi", ConversationID: "c1", CallerID: "u1"}
	if err := r.Run(context.Background(), req, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := messages.Messages("c1"); len(got) != 0 {
		t.Fatalf("persisted messages = %d, want 0 for empty answer", len(got))
	}
}

func TestRunSkipsPersistenceWithoutIdentity(t *testing.T) {
	up := &fakeUpstream{events: []llm.Event{
		{Type: llm.EventTextDelta, Delta: "text"},
		{Type: llm.EventFinish},
	}}
	messages := store.NewInMemoryStore()
	sink := &collectSink{}
	r := newTestRelay(up, messages, Options{})

	if err := r.Run(context.Background(), Request{Prompt: "hi", ConversationID: "c1"}, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := messages.Messages("c1"); len(got) != 0 {
		t.Fatalf("persisted messages = %d, want 0 without caller identity", len(got))
	}
}

type failingStore struct{}

func (failingStore) CreateAssistantMessage(context.Context, store.AssistantMessage) error {
	return errors.New("database unavailable")
}

func (failingStore) Close() error { return nil }

func TestRunSwallowsPersistenceFailure(t *testing.T) {
	up := &fakeUpstream{events: []llm.Event{
		{Type: llm.EventTextDelta, Delta: "text"},
		{Type: llm.EventFinish},
	}}
	sink := &collectSink{}
	r := newTestRelay(up, failingStore{}, Options{})

	req := Request{Prompt: "hi", ConversationID: "c1", CallerID: "u1"}
	if err := r.Run(context.Background(), req, sink); err != nil {
		t.Fatalf("Run() error = %v, want nil despite persistence failure", err)
	}
	if last := sink.chunks[len(sink.chunks)-1]; last.Kind != ChunkComplete {
		t.Fatalf("last chunk = %q, want complete", last.Kind)
	}
}

func TestRunUpstreamErrorEventTerminatesStream(t *testing.T) {
	up := &fakeUpstream{events: []llm.Event{
		{Type: llm.EventTextDelta, Delta: "par"},
		{Type: llm.EventError, Message: "model overloaded"},
	}}
	messages := store.NewInMemoryStore()
	sink := &collectSink{}
	r := newTestRelay(up, messages, Options{BatchMinChars: 100, BatchMaxDelay: time.Hour})

	req := Request{Prompt: "hi", ConversationID: "c1", CallerID: "u1"}
	if err := r.Run(context.Background(), req, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Pending text is flushed, never dropped, before the terminal chunk.
	want := []ChunkKind{ChunkAnswer, ChunkError}
	got := sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("chunk kinds = %v, want %v", got, want)
	}
	if sink.chunks[0].Delta != "par" {
		t.Fatalf("flushed delta = %q, want %q", sink.chunks[0].Delta, "par")
	}
	if sink.chunks[1].Message != "model overloaded" {
		t.Fatalf("error message = %q, want upstream message", sink.chunks[1].Message)
	}
	if got := messages.Messages("c1"); len(got) != 0 {
		t.Fatalf("persisted messages = %d, want 0 for failed stream", len(got))
	}
}

func TestRunTransportFailureSurfacesAsErrorChunk(t *testing.T) {
	up := &fakeUpstream{finalErr: &llm.UpstreamError{StatusCode: 503, Body: "service unavailable"}}
	sink := &collectSink{}
	r := newTestRelay(up, nil, Options{})

	if err := r.Run(context.Background(), Request{Prompt: "hi"}, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.chunks) != 1 || sink.chunks[0].Kind != ChunkError {
		t.Fatalf("chunks = %v, want single error chunk", sink.chunks)
	}
	if !strings.Contains(sink.chunks[0].Message, "service unavailable") {
		t.Fatalf("error message = %q, want raw upstream text", sink.chunks[0].Message)
	}
}

func TestRunProviderErrorMetricSplitsTransportFromRejected(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"definitive rejection", &llm.UpstreamError{StatusCode: 400, Body: "bad request"}, "rejected"},
		{"overloaded upstream", &llm.UpstreamError{StatusCode: 503, Body: "overloaded"}, "transport"},
		{"network failure", errors.New("connection reset by peer"), "transport"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := observability.NewMetrics("quill_test", prometheus.NewRegistry())
			r := New(&fakeUpstream{finalErr: tc.err}, nil, metrics, nil, nil, Options{})
			sink := &collectSink{}

			if err := r.Run(context.Background(), Request{Prompt: "hi"}, sink); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			got := testutil.ToFloat64(metrics.ProviderErrors.WithLabelValues("llm", tc.code))
			if got != 1 {
				t.Fatalf("provider_errors_total{code=%q} = %v, want 1", tc.code, got)
			}
		})
	}
}

func TestRunUnconfiguredFailsBeforeAnyChunk(t *testing.T) {
	sink := &collectSink{}
	r := newTestRelay(&fakeUpstream{unconfigured: true}, nil, Options{})

	err := r.Run(context.Background(), Request{Prompt: "hi"}, sink)
	if !errors.Is(err, llm.ErrNotConfigured) {
		t.Fatalf("Run() error = %v, want ErrNotConfigured", err)
	}
	if len(sink.chunks) != 0 {
		t.Fatalf("chunks = %v, want none before configuration failure", sink.chunks)
	}
}

func TestRunCancellationStopsChunksAndPersistence(t *testing.T) {
	up := &fakeUpstream{
		events:           []llm.Event{{Type: llm.EventTextDelta, Delta: "partial"}},
		blockAfterEvents: true,
	}
	messages := store.NewInMemoryStore()
	sink := make(chan StreamChunk, 4)
	ctx, cancel := context.WithCancel(context.Background())

	r := newTestRelay(up, messages, Options{BatchMinChars: 3, BatchMaxDelay: time.Hour})
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, Request{Prompt: "hi", ConversationID: "c1", CallerID: "u1"}, chanSink(sink))
	}()

	// Wait for the flushed answer chunk, then abort.
	select {
	case <-sink:
	case <-time.After(2 * time.Second):
		t.Fatalf("no chunk before cancel")
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	select {
	case chunk := <-sink:
		t.Fatalf("chunk %+v emitted after cancellation", chunk)
	default:
	}
	if got := messages.Messages("c1"); len(got) != 0 {
		t.Fatalf("persisted messages = %d, want 0 for aborted stream", len(got))
	}
}
