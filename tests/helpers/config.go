package helpers

import (
	"testing"
	"time"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/config"
)

// NewTestConfig returns the default config with short timers and the
// browser launch disabled.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.FeedbackTimeout = 30 * time.Second
	cfg.SweepInterval = 50 * time.Millisecond
	cfg.BrowserDelay = 10 * time.Millisecond
	cfg.OpenBrowser = false
	cfg.PingInterval = time.Second
	cfg.WriteTimeout = time.Second
	cfg.ReadTimeout = 5 * time.Second
	return cfg
}
