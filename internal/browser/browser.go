// Package browser opens the feedback page in the user's default browser.
package browser

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"

	"github.com/pkg/browser"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/protocol"
)

// Launcher opens URLs. Failures are logged, never returned to the feedback call.
type Launcher struct {
	open    func(string) error
	enabled bool
	log     *slog.Logger
}

// NewLauncher returns a launcher backed by the OS default browser. When
// enabled is false URLs are only logged, which is what headless runs want.
// Output of the launched command goes to stderr: stdout carries JSON-RPC in
// stdio mode.
func NewLauncher(enabled bool, log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	browser.Stdout = os.Stderr
	browser.Stderr = os.Stderr
	return &Launcher{open: browser.OpenURL, enabled: enabled, log: log.With("component", "browser")}
}

// NewLauncherFunc returns a launcher that calls open, for tests.
func NewLauncherFunc(open func(string) error) *Launcher {
	return &Launcher{open: open, enabled: true, log: slog.Default()}
}

// Open opens the feedback page for the session.
func (l *Launcher) Open(pageURL string) {
	if !l.enabled {
		l.log.Info("browser launch disabled, open manually", "url", pageURL)
		return
	}
	if err := l.open(pageURL); err != nil {
		l.log.Warn("failed to open browser", "url", pageURL, "error", err)
		return
	}
	l.log.Info("browser opened", "url", pageURL)
}

// FeedbackURL builds the page URL served by an instance on port.
func FeedbackURL(port int, sessionID, protocolSessionID string) string {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	if protocolSessionID != "" {
		q.Set(protocol.QueryProtocolSession, protocolSessionID)
	}
	u := url.URL{
		Scheme:   "http",
		Host:     "localhost:" + strconv.Itoa(port),
		Path:     "/",
		RawQuery: q.Encode(),
	}
	return u.String()
}
