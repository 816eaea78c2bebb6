package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the streaming relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	JWTSecret string

	LLMStreamURL        string
	LLMAPIKey           string
	LLMTimeout          time.Duration
	AnswerBatchMinChars int
	AnswerBatchMaxDelay time.Duration

	SpeechWSURL        string
	SpeechAPIKey       string
	SpeechModel        string
	SpeechLanguage     string
	SpeechOpenTimeout  time.Duration
	SpeechKeepAliveGap time.Duration

	RateLimitMaxConns int
	RateLimitWindow   time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "quill"),
		AllowAnyOrigin:   false,

		JWTSecret: trimmedEnv("APP_JWT_SECRET"),

		LLMStreamURL: trimmedEnv("LLM_STREAM_URL"),
		LLMAPIKey:    trimmedEnv("LLM_API_KEY"),

		SpeechWSURL:  envOrDefault("SPEECH_WS_URL", "wss://api.deepgram.com/v1/listen"),
		SpeechAPIKey: trimmedEnv("SPEECH_API_KEY"),
		SpeechModel:  envOrDefault("SPEECH_MODEL", "nova-2"),
		// Empty means "let the provider decide" unless a start message overrides it.
		SpeechLanguage: trimmedEnv("SPEECH_LANGUAGE"),

		DatabaseURL: trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:     15 * time.Second,
		LLMTimeout:          5 * time.Minute,
		AnswerBatchMinChars: 6,
		AnswerBatchMaxDelay: 55 * time.Millisecond,
		SpeechOpenTimeout:   10 * time.Second,
		SpeechKeepAliveGap:  3500 * time.Millisecond,
		RateLimitMaxConns:   3,
		RateLimitWindow:     60 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTimeout, err = durationFromEnv("LLM_STREAM_TIMEOUT", cfg.LLMTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AnswerBatchMinChars, err = intFromEnv("ANSWER_BATCH_MIN_CHARS", cfg.AnswerBatchMinChars)
	if err != nil {
		return Config{}, err
	}
	cfg.AnswerBatchMaxDelay, err = durationFromEnv("ANSWER_BATCH_MAX_DELAY", cfg.AnswerBatchMaxDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechOpenTimeout, err = durationFromEnv("SPEECH_OPEN_TIMEOUT", cfg.SpeechOpenTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechKeepAliveGap, err = durationFromEnv("SPEECH_KEEPALIVE_GAP", cfg.SpeechKeepAliveGap)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitMaxConns, err = intFromEnv("RATE_LIMIT_MAX_CONNS", cfg.RateLimitMaxConns)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitWindow, err = durationFromEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.AnswerBatchMinChars <= 0 {
		return Config{}, fmt.Errorf("ANSWER_BATCH_MIN_CHARS must be positive")
	}
	if cfg.AnswerBatchMaxDelay <= 0 {
		return Config{}, fmt.Errorf("ANSWER_BATCH_MAX_DELAY must be positive")
	}
	if cfg.RateLimitMaxConns <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_MAX_CONNS must be positive")
	}
	if cfg.RateLimitWindow < time.Second {
		return Config{}, fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s")
	}
	if cfg.SpeechOpenTimeout < time.Second {
		return Config{}, fmt.Errorf("SPEECH_OPEN_TIMEOUT must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
