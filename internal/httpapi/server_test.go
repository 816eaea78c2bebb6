package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/auth"
	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/llm"
	"github.com/quillchat/quill/internal/observability"
	"github.com/quillchat/quill/internal/relay"
)

type fakeChatRelay struct {
	req    relay.Request
	chunks []relay.StreamChunk
	err    error
}

func (f *fakeChatRelay) Run(_ context.Context, req relay.Request, sink relay.Sink) error {
	f.req = req
	for _, chunk := range f.chunks {
		if err := sink.Send(chunk); err != nil {
			return err
		}
	}
	return f.err
}

type fakeTranscriber struct {
	token chan string
}

func (f *fakeTranscriber) Handle(_ context.Context, ws *websocket.Conn, token string) {
	f.token <- token
	ws.Close()
}

func newTestServer(t *testing.T, chat ChatRelay, transcriber TranscriptionHandler) (*httptest.Server, *auth.Verifier) {
	t.Helper()
	verifier, err := auth.NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	cfg := config.Config{AllowAnyOrigin: true}
	srv := New(cfg, chat, transcriber, verifier, observability.NewStageWindow(16), zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, verifier
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &fakeChatRelay{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var ready map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if ready["status"] != "ready" {
		t.Fatalf("readyz status = %v, want ready", ready["status"])
	}
	if ready["speech_mode"] != "disabled" {
		t.Fatalf("speech_mode = %v, want disabled", ready["speech_mode"])
	}
}

func TestChatStreamRequiresPrompt(t *testing.T) {
	ts, _ := newTestServer(t, &fakeChatRelay{}, nil)

	resp, err := http.Post(ts.URL+"/v1/chat/stream", "application/json", strings.NewReader(`{"prompt":"  "}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatStreamEmitsDataFrames(t *testing.T) {
	chat := &fakeChatRelay{chunks: []relay.StreamChunk{
		{Kind: relay.ChunkThinking, Reasoning: "considering"},
		{Kind: relay.ChunkAnswer, Delta: "Hello"},
		{Kind: relay.ChunkComplete},
	}}
	ts, _ := newTestServer(t, chat, nil)

	resp, err := http.Post(ts.URL+"/v1/chat/stream", "application/json",
		strings.NewReader(`{"prompt":"hi","conversation_id":"conv-1"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	frames := strings.Split(strings.TrimSuffix(string(raw), "\n\n"), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3: %q", len(frames), raw)
	}
	var kinds []relay.ChunkKind
	for _, frame := range frames {
		payload, ok := strings.CutPrefix(frame, "data: ")
		if !ok {
			t.Fatalf("frame missing data prefix: %q", frame)
		}
		var chunk relay.StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("frame payload %q: %v", payload, err)
		}
		kinds = append(kinds, chunk.Kind)
	}
	want := []relay.ChunkKind{relay.ChunkThinking, relay.ChunkAnswer, relay.ChunkComplete}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}

	if chat.req.ConversationID != "conv-1" {
		t.Fatalf("ConversationID = %q, want conv-1", chat.req.ConversationID)
	}
	if chat.req.SessionID == "" {
		t.Fatal("SessionID was not defaulted")
	}
}

func TestChatStreamNotConfigured(t *testing.T) {
	ts, _ := newTestServer(t, &fakeChatRelay{err: llm.ErrNotConfigured}, nil)

	resp, err := http.Post(ts.URL+"/v1/chat/stream", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "llm_not_configured" {
		t.Fatalf("code = %q, want llm_not_configured", body.Code)
	}
}

func TestChatStreamCallerIdentity(t *testing.T) {
	chat := &fakeChatRelay{chunks: []relay.StreamChunk{{Kind: relay.ChunkComplete}}}
	ts, verifier := newTestServer(t, chat, nil)

	token, err := verifier.Issue("user-42", "user", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/stream", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if chat.req.CallerID != "user-42" {
		t.Fatalf("CallerID = %q, want user-42", chat.req.CallerID)
	}
}

func TestChatStreamRejectsInvalidBearer(t *testing.T) {
	ts, _ := newTestServer(t, &fakeChatRelay{}, nil)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/stream", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTranscribeWSHandsOffToken(t *testing.T) {
	transcriber := &fakeTranscriber{token: make(chan string, 1)}
	ts, _ := newTestServer(t, &fakeChatRelay{}, transcriber)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/transcribe/ws?token=abc123"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	select {
	case token := <-transcriber.token:
		if token != "abc123" {
			t.Fatalf("token = %q, want abc123", token)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the connection")
	}
}

func TestTranscribeWSUnavailableWithoutHandler(t *testing.T) {
	ts, _ := newTestServer(t, &fakeChatRelay{}, nil)

	resp, err := http.Get(ts.URL + "/v1/transcribe/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}
