package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/auth"
	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/httpapi"
	"github.com/quillchat/quill/internal/llm"
	"github.com/quillchat/quill/internal/observability"
	"github.com/quillchat/quill/internal/ratelimit"
	"github.com/quillchat/quill/internal/relay"
	"github.com/quillchat/quill/internal/speech"
	"github.com/quillchat/quill/internal/store"
	"github.com/quillchat/quill/internal/transcribe"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)
	stages := observability.NewStageWindow(256)

	ctx := context.Background()
	messageStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("message store init failed", zap.Error(err))
	}
	defer messageStore.Close()

	upstream := llm.NewClient(cfg.LLMStreamURL, cfg.LLMAPIKey, cfg.LLMTimeout, logger)
	if !upstream.Configured() {
		logger.Warn("answer upstream not configured, chat streaming will return errors")
	}

	chat := relay.New(upstream, messageStore, metrics, stages, logger, relay.Options{
		BatchMinChars: cfg.AnswerBatchMinChars,
		BatchMaxDelay: cfg.AnswerBatchMaxDelay,
	})

	var provider speech.Provider
	if cfg.SpeechAPIKey != "" {
		provider = speech.NewLiveProvider(speech.LiveConfig{
			WSBaseURL:       cfg.SpeechWSURL,
			APIKey:          cfg.SpeechAPIKey,
			DefaultModel:    cfg.SpeechModel,
			DefaultLanguage: cfg.SpeechLanguage,
		})
		logger.Info("speech provider: live", zap.String("url", cfg.SpeechWSURL))
	} else {
		provider = speech.NewMockProvider()
		logger.Info("speech provider: mock (no SPEECH_API_KEY)")
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		logger.Fatal("token verifier init failed", zap.Error(err))
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimitMaxConns, cfg.RateLimitWindow)
	transcriber := transcribe.NewRelay(provider, verifier, limiter, metrics, logger, transcribe.Options{
		OpenTimeout:  cfg.SpeechOpenTimeout,
		KeepAliveGap: cfg.SpeechKeepAliveGap,
	})

	api := httpapi.New(cfg, chat, transcriber, verifier, stages, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
