package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice client and the
// session credential broker.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// Upstream realtime endpoints.
	RealtimeHTTPURL     string
	RealtimeWSURL       string
	RealtimeSessionsURL string
	RealtimeModel       string

	// Broker.
	BrokerBaseURL string
	OpenAIAPIKey  string

	// Session defaults.
	Transport       string
	Voice           string
	Persona         string
	Temperature     float64
	MaxOutputTokens int

	// Session policy.
	IdleTimeout         time.Duration
	MaxSessionDuration  time.Duration
	PolicyCheckInterval time.Duration
	ConnectTimeout      time.Duration
	FarewellTimeout     time.Duration

	ReconnectMaxAttempts int
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration

	// Audio.
	SampleRate     int
	STUNServer     string
	AudioDumpPath  string
	PlaybackBuffer time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":3001"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "birdbrain"),
		RealtimeHTTPURL:     envOrDefault("REALTIME_HTTP_URL", "https://api.openai.com/v1/realtime"),
		RealtimeWSURL:       envOrDefault("REALTIME_WS_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeSessionsURL: envOrDefault("REALTIME_SESSIONS_URL", "https://api.openai.com/v1/realtime/sessions"),
		RealtimeModel:       envOrDefault("REALTIME_MODEL", "gpt-4o-mini-realtime-preview-2024-12-17"),
		BrokerBaseURL:       envOrDefault("BROKER_BASE_URL", "http://localhost:3001"),
		OpenAIAPIKey:        trimmedEnv("OPENAI_API_KEY"),
		Transport:           envOrDefault("TRANSPORT", "peer"),
		Voice:               envOrDefault("VOICE", "shimmer"),
		Persona:             envOrDefault("PERSONA", "base"),
		STUNServer:          envOrDefault("STUN_SERVER", "stun:stun.l.google.com:19302"),
		AudioDumpPath:       trimmedEnv("AUDIO_DUMP_PATH"),
		Temperature:         0.8,
		MaxOutputTokens:     4096,
		// 24 kHz mono PCM16 matches the model's native audio format.
		SampleRate:           24000,
		ShutdownTimeout:      15 * time.Second,
		IdleTimeout:          2 * time.Minute,
		MaxSessionDuration:   15 * time.Minute,
		PolicyCheckInterval:  5 * time.Second,
		ConnectTimeout:       15 * time.Second,
		FarewellTimeout:      5 * time.Second,
		ReconnectMaxAttempts: 3,
		ReconnectBackoffBase: 2 * time.Second,
		ReconnectBackoffCap:  8 * time.Second,
		PlaybackBuffer:       100 * time.Millisecond,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessionDuration, err = durationFromEnv("SESSION_MAX_DURATION", cfg.MaxSessionDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.PolicyCheckInterval, err = durationFromEnv("SESSION_POLICY_CHECK_INTERVAL", cfg.PolicyCheckInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FarewellTimeout, err = durationFromEnv("FAREWELL_TIMEOUT", cfg.FarewellTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBackoffBase, err = durationFromEnv("RECONNECT_BACKOFF_BASE", cfg.ReconnectBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBackoffCap, err = durationFromEnv("RECONNECT_BACKOFF_CAP", cfg.ReconnectBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxAttempts, err = intFromEnv("RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxOutputTokens, err = intFromEnv("SESSION_MAX_OUTPUT_TOKENS", cfg.MaxOutputTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("SESSION_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "peer", "socket":
		cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	default:
		return Config{}, fmt.Errorf("TRANSPORT must be peer or socket, got %q", cfg.Transport)
	}
	if cfg.Temperature < 0.6 || cfg.Temperature > 1.2 {
		return Config{}, fmt.Errorf("SESSION_TEMPERATURE must be within [0.6, 1.2]")
	}
	if cfg.IdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.MaxSessionDuration <= cfg.IdleTimeout {
		return Config{}, fmt.Errorf("SESSION_MAX_DURATION must exceed SESSION_IDLE_TIMEOUT")
	}
	if cfg.ReconnectMaxAttempts < 1 {
		return Config{}, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.MaxOutputTokens <= 0 {
		return Config{}, fmt.Errorf("SESSION_MAX_OUTPUT_TOKENS must be positive")
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
