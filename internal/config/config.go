package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the companion service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	GooseBaseURL           string
	GooseSecretKey         string
	GooseSecretKeySSMParam string
	SessionRefreshInterval time.Duration

	ActivityActiveThreshold time.Duration
	ActivityIdleThreshold   time.Duration
	ActivityCacheTTL        time.Duration
	ActivityProbeTimeout    time.Duration
	ActivityProbeWorkers    int

	VoiceSilenceThreshold time.Duration
	VoiceStopWordThrottle time.Duration
	VoiceSpeakSettle      time.Duration
	VoiceInterruptSettle  time.Duration
	VoiceAuthRetryDelay   time.Duration
	VoiceStopWords        []string

	TranscriptStore         string
	DatabaseURL             string
	TranscriptDynamoDBTable string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:        envOrDefault("APP_METRICS_NAMESPACE", "goose_companion"),
		GooseBaseURL:            envOrDefault("GOOSE_BASE_URL", "http://127.0.0.1:3000"),
		GooseSecretKey:          stringsTrimSpace("GOOSE_SECRET_KEY"),
		GooseSecretKeySSMParam:  stringsTrimSpace("GOOSE_SECRET_KEY_SSM_PARAM"),
		TranscriptStore:         strings.ToLower(envOrDefault("TRANSCRIPT_STORE", "auto")),
		DatabaseURL:             stringsTrimSpace("DATABASE_URL"),
		TranscriptDynamoDBTable: stringsTrimSpace("TRANSCRIPT_DYNAMODB_TABLE"),
		ShutdownTimeout:         15 * time.Second,
		SessionRefreshInterval:  15 * time.Second,
		ActivityActiveThreshold: 120 * time.Second,
		ActivityIdleThreshold:   1800 * time.Second,
		ActivityCacheTTL:        30 * time.Second,
		ActivityProbeTimeout:    1500 * time.Millisecond,
		ActivityProbeWorkers:    4,
		VoiceSilenceThreshold:   800 * time.Millisecond,
		VoiceStopWordThrottle:   300 * time.Millisecond,
		VoiceSpeakSettle:        500 * time.Millisecond,
		VoiceInterruptSettle:    200 * time.Millisecond,
		VoiceAuthRetryDelay:     2 * time.Second,
		VoiceStopWords:          []string{"goose", "hey goose", "stop", "cancel"},
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_REFRESH_INTERVAL", &cfg.SessionRefreshInterval},
		{"ACTIVITY_ACTIVE_THRESHOLD", &cfg.ActivityActiveThreshold},
		{"ACTIVITY_IDLE_THRESHOLD", &cfg.ActivityIdleThreshold},
		{"ACTIVITY_CACHE_TTL", &cfg.ActivityCacheTTL},
		{"ACTIVITY_PROBE_TIMEOUT", &cfg.ActivityProbeTimeout},
		{"VOICE_SILENCE_THRESHOLD", &cfg.VoiceSilenceThreshold},
		{"VOICE_STOP_WORD_THROTTLE", &cfg.VoiceStopWordThrottle},
		{"VOICE_SPEAK_SETTLE", &cfg.VoiceSpeakSettle},
		{"VOICE_INTERRUPT_SETTLE", &cfg.VoiceInterruptSettle},
		{"VOICE_AUTH_RETRY_DELAY", &cfg.VoiceAuthRetryDelay},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = v
	}

	var err error
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivityProbeWorkers, err = intFromEnv("ACTIVITY_PROBE_WORKERS", cfg.ActivityProbeWorkers)
	if err != nil {
		return Config{}, err
	}
	if raw := stringsTrimSpace("VOICE_STOP_WORDS"); raw != "" {
		cfg.VoiceStopWords = splitList(raw)
	}

	if cfg.ActivityIdleThreshold <= cfg.ActivityActiveThreshold {
		return Config{}, fmt.Errorf("ACTIVITY_IDLE_THRESHOLD must exceed ACTIVITY_ACTIVE_THRESHOLD")
	}
	if cfg.ActivityProbeWorkers <= 0 {
		return Config{}, fmt.Errorf("ACTIVITY_PROBE_WORKERS must be positive")
	}
	if len(cfg.VoiceStopWords) == 0 {
		return Config{}, fmt.Errorf("VOICE_STOP_WORDS must list at least one word")
	}
	switch cfg.TranscriptStore {
	case "auto", "memory", "postgres", "dynamodb":
	default:
		return Config{}, fmt.Errorf("invalid TRANSCRIPT_STORE: %q (expected auto|memory|postgres|dynamodb)", cfg.TranscriptStore)
	}
	if cfg.TranscriptStore == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("TRANSCRIPT_STORE=postgres requires DATABASE_URL")
	}
	if cfg.TranscriptStore == "dynamodb" && cfg.TranscriptDynamoDBTable == "" {
		return Config{}, fmt.Errorf("TRANSCRIPT_STORE=dynamodb requires TRANSCRIPT_DYNAMODB_TABLE")
	}

	return cfg, nil
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
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
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
