package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Upstream modes accepted by UPSTREAM_MODE.
const (
	UpstreamModeAuto   = "auto"
	UpstreamModeOpenAI = "openai"
	UpstreamModeMock   = "mock"
)

// Config contains all runtime settings for the realtime relay service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin     bool
	CORSAllowedOrigins []string

	LogLevel  string
	LogFormat string

	UpstreamMode string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIRealtimeURL string
	RealtimeModel     string
	RealtimeVoice     string

	DefaultInstructions string
	GreetOnStart        bool
	ConnectTimeout      time.Duration
	ResponseTimeout     time.Duration
	NegotiationTimeout  time.Duration
	CredentialTimeout   time.Duration
	MaxPendingAudio     int

	DatabaseURL string
}

// Load reads environment variables (and an optional .env file) and applies safe defaults.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":"+envOrDefault("PORT", "3000")),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		AllowAnyOrigin:   false,
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		UpstreamMode:     strings.ToLower(envOrDefault("UPSTREAM_MODE", UpstreamModeAuto)),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:    strings.TrimRight(envOrDefault("OPENAI_API_BASE_URL", "https://api.openai.com/v1"), "/"),
		// Upstream websocket endpoint; the model is appended as a query parameter.
		OpenAIRealtimeURL:   envOrDefault("OPENAI_REALTIME_WS_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:       envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		RealtimeVoice:       envOrDefault("OPENAI_REALTIME_VOICE", "verse"),
		DefaultInstructions: envOrDefault("RELAY_DEFAULT_INSTRUCTIONS", "You are a friendly assistant."),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
		// Long enough to survive a user pausing between turns.
		SessionInactivityTimeout: 10 * time.Minute,
		ConnectTimeout:           10 * time.Second,
		ResponseTimeout:          60 * time.Second,
		NegotiationTimeout:       15 * time.Second,
		CredentialTimeout:        10 * time.Second,
		MaxPendingAudio:          64,
	}
	cfg.CORSAllowedOrigins = splitList(envOrDefault("APP_CORS_ALLOWED_ORIGINS", "*"))

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("RELAY_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponseTimeout, err = durationFromEnv("RELAY_RESPONSE_TIMEOUT", cfg.ResponseTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.NegotiationTimeout, err = durationFromEnv("RELAY_NEGOTIATION_TIMEOUT", cfg.NegotiationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CredentialTimeout, err = durationFromEnv("RELAY_CREDENTIAL_TIMEOUT", cfg.CredentialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPendingAudio, err = intFromEnv("RELAY_MAX_PENDING_AUDIO", cfg.MaxPendingAudio)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.GreetOnStart, err = boolFromEnv("RELAY_GREET_ON_START", cfg.GreetOnStart)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_CONNECT_TIMEOUT must be positive")
	}
	if cfg.ResponseTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_RESPONSE_TIMEOUT must be positive")
	}
	if cfg.NegotiationTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_NEGOTIATION_TIMEOUT must be positive")
	}
	if cfg.CredentialTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_CREDENTIAL_TIMEOUT must be positive")
	}
	if cfg.MaxPendingAudio < 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_PENDING_AUDIO must be >= 0")
	}

	switch cfg.UpstreamMode {
	case UpstreamModeAuto:
		cfg.UpstreamMode = UpstreamModeMock
		if cfg.OpenAIAPIKey != "" {
			cfg.UpstreamMode = UpstreamModeOpenAI
		}
	case UpstreamModeOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("UPSTREAM_MODE=openai but OPENAI_API_KEY is not set")
		}
	case UpstreamModeMock:
	default:
		return Config{}, fmt.Errorf("invalid UPSTREAM_MODE: %q (expected auto|openai|mock)", cfg.UpstreamMode)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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
