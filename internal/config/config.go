// Package config provides configuration for the feedback collector.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
)

// Config holds the feedback collector configuration.
type Config struct {
	// Transport
	Mode     domain.TransportMode
	HTTPPort int // fixed port for http mode

	// Port allocation for stdio instances
	PortBase         int
	PortRange        int
	CheckPortProcess bool

	// Feedback rounds
	FeedbackTimeout time.Duration
	SweepInterval   time.Duration
	BrowserDelay    time.Duration
	OpenBrowser     bool
	AssignFallback  domain.AssignFallback
	MaxImageBytes   int

	// Prompt scenes
	PromptsDB   string
	PromptsFile string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel  string
	LogFormat string
}

var defaults = map[string]interface{}{
	"FEEDBACK_MODE":               string(domain.TransportModeStdio),
	"FEEDBACK_HTTP_PORT":          5000,
	"FEEDBACK_PORT_BASE":          5000,
	"FEEDBACK_PORT_RANGE":         100,
	"FEEDBACK_CHECK_PORT_PROCESS": false,
	"FEEDBACK_TIMEOUT_SECONDS":    300,
	"FEEDBACK_SWEEP_INTERVAL_MS":  30000,
	"FEEDBACK_BROWSER_DELAY_MS":   500,
	"FEEDBACK_OPEN_BROWSER":       true,
	"FEEDBACK_ASSIGN_FALLBACK":    string(domain.AssignFallbackLatest),
	"FEEDBACK_MAX_IMAGE_BYTES":    10 * 1024 * 1024,
	"FEEDBACK_PROMPTS_DB":         ":memory:",
	"FEEDBACK_PROMPTS_FILE":       "",
	"WS_PING_INTERVAL_MS":         30000,
	"WS_WRITE_TIMEOUT_MS":         10000,
	"WS_READ_TIMEOUT_MS":          60000,
	"WS_MAX_MESSAGE_SIZE":         32 * 1024 * 1024,
	"LOG_LEVEL":                   "info",
	"LOG_FORMAT":                  "json",
}

// NewViper returns a viper instance with every default set and environment
// lookup enabled. Keys are the environment variable names.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	return v
}

// Load loads configuration from environment variables and, when
// configFile is set, from that file (any format viper understands).
func Load(configFile string) (*Config, error) {
	v := NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from v and validates it.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Mode:             domain.TransportMode(strings.ToLower(v.GetString("FEEDBACK_MODE"))),
		HTTPPort:         v.GetInt("FEEDBACK_HTTP_PORT"),
		PortBase:         v.GetInt("FEEDBACK_PORT_BASE"),
		PortRange:        v.GetInt("FEEDBACK_PORT_RANGE"),
		CheckPortProcess: v.GetBool("FEEDBACK_CHECK_PORT_PROCESS"),
		FeedbackTimeout:  time.Duration(v.GetInt("FEEDBACK_TIMEOUT_SECONDS")) * time.Second,
		SweepInterval:    time.Duration(v.GetInt("FEEDBACK_SWEEP_INTERVAL_MS")) * time.Millisecond,
		BrowserDelay:     time.Duration(v.GetInt("FEEDBACK_BROWSER_DELAY_MS")) * time.Millisecond,
		OpenBrowser:      v.GetBool("FEEDBACK_OPEN_BROWSER"),
		AssignFallback:   domain.ParseAssignFallback(strings.ToLower(v.GetString("FEEDBACK_ASSIGN_FALLBACK"))),
		MaxImageBytes:    v.GetInt("FEEDBACK_MAX_IMAGE_BYTES"),
		PromptsDB:        v.GetString("FEEDBACK_PROMPTS_DB"),
		PromptsFile:      v.GetString("FEEDBACK_PROMPTS_FILE"),
		PingInterval:     time.Duration(v.GetInt("WS_PING_INTERVAL_MS")) * time.Millisecond,
		WriteTimeout:     time.Duration(v.GetInt("WS_WRITE_TIMEOUT_MS")) * time.Millisecond,
		ReadTimeout:      time.Duration(v.GetInt("WS_READ_TIMEOUT_MS")) * time.Millisecond,
		MaxMessageSize:   v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the servers cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case domain.TransportModeStdio, domain.TransportModeHTTP:
	default:
		return fmt.Errorf("invalid mode %q: want stdio or http", c.Mode)
	}
	if c.PortBase <= 0 || c.PortBase > 65535 {
		return fmt.Errorf("invalid port base %d", c.PortBase)
	}
	if c.PortRange <= 0 {
		return fmt.Errorf("invalid port range %d", c.PortRange)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if c.FeedbackTimeout <= 0 {
		return fmt.Errorf("feedback timeout must be positive")
	}
	if c.PingInterval <= 0 || c.WriteTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("websocket ping interval and timeouts must be positive")
	}
	if c.ReadTimeout <= c.PingInterval {
		return fmt.Errorf("websocket read timeout %s must exceed ping interval %s", c.ReadTimeout, c.PingInterval)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid websocket max message size %d", c.MaxMessageSize)
	}
	return nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := FromViper(NewViper())
	if err != nil {
		panic(err)
	}
	return cfg
}
