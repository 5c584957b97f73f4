package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice bridge service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	// BotCallbackHost is the public base URL telephony uses for webhooks and
	// for the media-streaming socket.
	BotCallbackHost string

	ACSEndpoint       string
	ACSAccessKey      string
	ACSAPIVersion     string
	ACSRequestTimeout time.Duration

	RealtimeURL      string
	RealtimeAPIKey   string
	RealtimeModel    string
	RealtimeVoice    string
	RealtimeAuthMode string

	DataServiceURL         string
	IntelligenceServiceURL string
	CollaboratorTimeout    time.Duration

	TranscriptPersistInterval int
	PostProcessSettleDelay    time.Duration

	DatabaseURL    string
	RedisURL       string
	CallBindingTTL time.Duration

	WebhookRateLimitRPS   float64
	WebhookRateLimitBurst int

	TranscriptArchiveBucket string
	TranscriptArchivePrefix string
	S3Region                string
	S3Endpoint              string
	S3AccessKeyID           string
	S3SecretAccessKey       string
	S3ForcePathStyle        bool

	WSReadLimitBytes int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":3979"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "aida_voice"),
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("APP_LOG_FORMAT", "json")),
		AllowAnyOrigin:   false,
		BotCallbackHost:  strings.TrimRight(stringsTrimSpace("BOT_CALLBACK_HOST"), "/"),

		ACSEndpoint:   strings.TrimRight(stringsTrimSpace("ACS_ENDPOINT"), "/"),
		ACSAccessKey:  stringsTrimSpace("ACS_ACCESS_KEY"),
		ACSAPIVersion: envOrDefault("ACS_API_VERSION", "2023-10-15"),

		RealtimeURL:    stringsTrimSpace("REALTIME_URL"),
		RealtimeAPIKey: stringsTrimSpace("REALTIME_API_KEY"),
		RealtimeModel:  envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		// Matches the voice the assistant persona was tuned with.
		RealtimeVoice:    envOrDefault("REALTIME_VOICE", "alloy"),
		RealtimeAuthMode: strings.ToLower(envOrDefault("REALTIME_AUTH_MODE", "bearer")),

		DataServiceURL:         strings.TrimRight(envOrDefault("DATA_SERVICE_URL", "http://localhost:8081"), "/"),
		IntelligenceServiceURL: strings.TrimRight(envOrDefault("INTELLIGENCE_SERVICE_URL", "http://localhost:8082"), "/"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
		RedisURL:    stringsTrimSpace("REDIS_URL"),

		TranscriptArchiveBucket: stringsTrimSpace("TRANSCRIPT_ARCHIVE_BUCKET"),
		TranscriptArchivePrefix: envOrDefault("TRANSCRIPT_ARCHIVE_PREFIX", "transcripts"),
		S3Region:                envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:              stringsTrimSpace("S3_ENDPOINT"),
		S3AccessKeyID:           stringsTrimSpace("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey:       stringsTrimSpace("S3_SECRET_ACCESS_KEY"),

		ShutdownTimeout:           15 * time.Second,
		ACSRequestTimeout:         10 * time.Second,
		CollaboratorTimeout:       10 * time.Second,
		TranscriptPersistInterval: 5,
		// CallDisconnected arrives before the bridge finishes its final flush.
		PostProcessSettleDelay: 5 * time.Second,
		CallBindingTTL:         10 * time.Minute,
		WebhookRateLimitRPS:    50,
		WebhookRateLimitBurst:  100,
		WSReadLimitBytes:       1 << 20,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ACSRequestTimeout, err = durationFromEnv("ACS_REQUEST_TIMEOUT", cfg.ACSRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CollaboratorTimeout, err = durationFromEnv("COLLABORATOR_TIMEOUT", cfg.CollaboratorTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptPersistInterval, err = intFromEnv("TRANSCRIPT_PERSIST_INTERVAL", cfg.TranscriptPersistInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PostProcessSettleDelay, err = durationFromEnv("POST_PROCESS_SETTLE_DELAY", cfg.PostProcessSettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.CallBindingTTL, err = durationFromEnv("CALL_BINDING_TTL", cfg.CallBindingTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookRateLimitRPS, err = floatFromEnv("WEBHOOK_RATE_LIMIT_RPS", cfg.WebhookRateLimitRPS)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookRateLimitBurst, err = intFromEnv("WEBHOOK_RATE_LIMIT_BURST", cfg.WebhookRateLimitBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.S3ForcePathStyle, err = boolFromEnv("S3_FORCE_PATH_STYLE", cfg.S3ForcePathStyle)
	if err != nil {
		return Config{}, err
	}
	cfg.WSReadLimitBytes, err = intFromEnv("WS_READ_LIMIT_BYTES", cfg.WSReadLimitBytes)
	if err != nil {
		return Config{}, err
	}

	if cfg.TranscriptPersistInterval <= 0 {
		return Config{}, fmt.Errorf("TRANSCRIPT_PERSIST_INTERVAL must be positive")
	}
	if cfg.PostProcessSettleDelay < 0 {
		return Config{}, fmt.Errorf("POST_PROCESS_SETTLE_DELAY must be >= 0")
	}
	if cfg.CallBindingTTL < time.Minute {
		return Config{}, fmt.Errorf("CALL_BINDING_TTL must be at least 1m")
	}
	if cfg.WebhookRateLimitRPS <= 0 || cfg.WebhookRateLimitBurst <= 0 {
		return Config{}, fmt.Errorf("WEBHOOK_RATE_LIMIT_RPS and WEBHOOK_RATE_LIMIT_BURST must be positive")
	}
	if cfg.WSReadLimitBytes < 4<<10 {
		return Config{}, fmt.Errorf("WS_READ_LIMIT_BYTES must be at least 4096")
	}
	switch cfg.RealtimeAuthMode {
	case "bearer", "api-key":
	default:
		return Config{}, fmt.Errorf("REALTIME_AUTH_MODE must be bearer or api-key")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be json or console")
	}
	if cfg.BotCallbackHost != "" {
		u, err := url.Parse(cfg.BotCallbackHost)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("BOT_CALLBACK_HOST must be an absolute http(s) URL")
		}
	}

	return cfg, nil
}

// CallbackURL is where telephony posts call lifecycle events.
func (c Config) CallbackURL() string {
	if c.BotCallbackHost == "" {
		return ""
	}
	return c.BotCallbackHost + "/api/calls/webhook"
}

// MediaTransportURL is the websocket URL telephony dials for media streaming.
func (c Config) MediaTransportURL() string {
	host := c.BotCallbackHost
	switch {
	case strings.HasPrefix(host, "https://"):
		host = "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		host = "ws://" + strings.TrimPrefix(host, "http://")
	default:
		return ""
	}
	return host + "/voice-v2"
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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
