package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TransportModeStdio, cfg.Mode)
	assert.Equal(t, 5000, cfg.PortBase)
	assert.Equal(t, 100, cfg.PortRange)
	assert.Equal(t, 300*time.Second, cfg.FeedbackTimeout)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.BrowserDelay)
	assert.Equal(t, domain.AssignFallbackLatest, cfg.AssignFallback)
	assert.True(t, cfg.OpenBrowser)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEEDBACK_MODE", "HTTP")
	t.Setenv("FEEDBACK_TIMEOUT_SECONDS", "12")
	t.Setenv("FEEDBACK_ASSIGN_FALLBACK", "closed")
	t.Setenv("FEEDBACK_OPEN_BROWSER", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.TransportModeHTTP, cfg.Mode)
	assert.Equal(t, 12*time.Second, cfg.FeedbackTimeout)
	assert.Equal(t, domain.AssignFallbackClosed, cfg.AssignFallback)
	assert.False(t, cfg.OpenBrowser)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feedback_port_base: 7000\nlog_level: debug\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.PortBase)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("FEEDBACK_MODE", "carrier-pigeon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveSocketTimers(t *testing.T) {
	for _, tc := range []struct{ key, value string }{
		{"WS_PING_INTERVAL_MS", "0"},
		{"WS_PING_INTERVAL_MS", "-5"},
		{"WS_READ_TIMEOUT_MS", "0"},
		{"WS_WRITE_TIMEOUT_MS", "0"},
		{"WS_MAX_MESSAGE_SIZE", "0"},
	} {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsReadTimeoutBelowPing(t *testing.T) {
	t.Setenv("WS_PING_INTERVAL_MS", "30000")
	t.Setenv("WS_READ_TIMEOUT_MS", "10000")
	_, err := Load("")
	assert.Error(t, err)
}
