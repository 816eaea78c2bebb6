package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/auth"
	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/llm"
	"github.com/quillchat/quill/internal/observability"
	"github.com/quillchat/quill/internal/relay"
)

// ChatRelay runs one answer stream against the upstream model.
type ChatRelay interface {
	Run(ctx context.Context, req relay.Request, sink relay.Sink) error
}

// TranscriptionHandler owns an upgraded transcription socket until close.
type TranscriptionHandler interface {
	Handle(ctx context.Context, ws *websocket.Conn, token string)
}

type Server struct {
	cfg         config.Config
	chat        ChatRelay
	transcriber TranscriptionHandler
	verifier    *auth.Verifier
	stages      *observability.StageWindow
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func New(
	cfg config.Config,
	chat ChatRelay,
	transcriber TranscriptionHandler,
	verifier *auth.Verifier,
	stages *observability.StageWindow,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		chat:        chat,
		transcriber: transcriber,
		verifier:    verifier,
		stages:      stages,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Other sites must not be
				// able to drive a user's mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/chat/stream", s.handleChatStream)
	r.Get("/v1/transcribe/ws", s.handleTranscribeWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"llm_configured": s.cfg.LLMStreamURL != "" && s.cfg.LLMAPIKey != "",
		"speech_mode":    s.speechMode(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondJSON(w, http.StatusOK, map[string]any{"stages": map[string]any{}})
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

type chatStreamRequest struct {
	Prompt         string `json:"prompt"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "missing_prompt", "prompt is required")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = uuid.NewString()
	}

	callerID, ok := s.callerID(w, r)
	if !ok {
		return
	}

	sink, err := relay.NewEventStreamSink(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	err = s.chat.Run(r.Context(), relay.Request{
		Prompt:         req.Prompt,
		SessionID:      req.SessionID,
		ConversationID: strings.TrimSpace(req.ConversationID),
		CallerID:       callerID,
	}, sink)
	switch {
	case err == nil:
	case errors.Is(err, llm.ErrNotConfigured):
		// Guaranteed to fire before the first chunk, so the JSON error still
		// reaches the client with its status code.
		respondError(w, http.StatusInternalServerError, "llm_not_configured", "answer upstream is not configured")
	case errors.Is(err, context.Canceled):
		// Client went away mid-stream.
	default:
		s.logger.Warn("chat stream ended with error", zap.Error(err))
	}
}

// callerID resolves the optional bearer token. A missing header is anonymous;
// a present but invalid one is rejected.
func (s *Server) callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" || s.verifier == nil {
		return "", true
	}
	token := strings.TrimPrefix(header, "Bearer ")
	identity, err := s.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "invalid access token")
		return "", false
	}
	return identity.UserID, true
}

func (s *Server) handleTranscribeWS(w http.ResponseWriter, r *http.Request) {
	if s.transcriber == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcription not configured")
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// Auth and rate limiting happen post-upgrade so rejections can carry a
	// websocket close code the browser client can read.
	s.transcriber.Handle(r.Context(), conn, token)
}

func (s *Server) speechMode() string {
	if s.transcriber == nil {
		return "disabled"
	}
	if s.cfg.SpeechAPIKey == "" {
		return "mock"
	}
	return "live"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
