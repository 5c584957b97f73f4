package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":3979", cfg.BindAddr)
	assert.Equal(t, 5, cfg.TranscriptPersistInterval)
	assert.Equal(t, 5*time.Second, cfg.PostProcessSettleDelay)
	assert.Equal(t, "http://localhost:8081", cfg.DataServiceURL)
	assert.Equal(t, "http://localhost:8082", cfg.IntelligenceServiceURL)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.CallbackURL())
	assert.Empty(t, cfg.MediaTransportURL())
}

func TestLoadDerivesCallbackAndTransportURLs(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BOT_CALLBACK_HOST", "https://bot.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://bot.example.com/api/calls/webhook", cfg.CallbackURL())
	assert.Equal(t, "wss://bot.example.com/voice-v2", cfg.MediaTransportURL())
}

func TestLoadPlainHTTPCallbackHostUsesWS(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BOT_CALLBACK_HOST", "http://localhost:3979")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3979/voice-v2", cfg.MediaTransportURL())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"TRANSCRIPT_PERSIST_INTERVAL": "0",
		"POST_PROCESS_SETTLE_DELAY":   "-1s",
		"CALL_BINDING_TTL":            "5s",
		"REALTIME_AUTH_MODE":          "cookie",
		"APP_LOG_FORMAT":              "xml",
		"BOT_CALLBACK_HOST":           "bot.example.com",
		"APP_ALLOW_ANY_ORIGIN":        "maybe",
		"WEBHOOK_RATE_LIMIT_RPS":      "-3",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadExplicitSettleDelay(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("POST_PROCESS_SETTLE_DELAY", "250ms")
	t.Setenv("TRANSCRIPT_PERSIST_INTERVAL", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.PostProcessSettleDelay)
	assert.Equal(t, 3, cfg.TranscriptPersistInterval)
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_ALLOW_ANY_ORIGIN",
		"BOT_CALLBACK_HOST",
		"ACS_ENDPOINT",
		"ACS_ACCESS_KEY",
		"ACS_API_VERSION",
		"ACS_REQUEST_TIMEOUT",
		"REALTIME_URL",
		"REALTIME_API_KEY",
		"REALTIME_MODEL",
		"REALTIME_VOICE",
		"REALTIME_AUTH_MODE",
		"DATA_SERVICE_URL",
		"INTELLIGENCE_SERVICE_URL",
		"COLLABORATOR_TIMEOUT",
		"TRANSCRIPT_PERSIST_INTERVAL",
		"POST_PROCESS_SETTLE_DELAY",
		"DATABASE_URL",
		"REDIS_URL",
		"CALL_BINDING_TTL",
		"WEBHOOK_RATE_LIMIT_RPS",
		"WEBHOOK_RATE_LIMIT_BURST",
		"TRANSCRIPT_ARCHIVE_BUCKET",
		"TRANSCRIPT_ARCHIVE_PREFIX",
		"S3_REGION",
		"S3_ENDPOINT",
		"S3_ACCESS_KEY_ID",
		"S3_SECRET_ACCESS_KEY",
		"S3_FORCE_PATH_STYLE",
		"WS_READ_LIMIT_BYTES",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
