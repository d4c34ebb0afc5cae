// Package session holds pending feedback requests in memory with TTL expiry.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
)

// Session is one pending feedback request.
type Session struct {
	ID string
	// ProtocolSessionID is the MCP connection that asked for feedback. Empty
	// only on the legacy path where the caller is unknown.
	ProtocolSessionID string
	Prompt            string
	// Notice is the text shown to the human, the prompt rendered through
	// the active template. Empty means Prompt is shown as is.
	Notice    string
	CreatedAt time.Time
	Timeout   time.Duration
	// Rounds is how many accepted replies complete the session. Zero means one.
	Rounds  int
	Replies []domain.FeedbackReply

	pending *Pending
}

// New builds a session with a fresh id and an unsettled future.
func New(protocolSessionID, prompt string, timeout time.Duration, now time.Time) *Session {
	return &Session{
		ID:                NewID(now),
		ProtocolSessionID: protocolSessionID,
		Prompt:            prompt,
		CreatedAt:         now,
		Timeout:           timeout,
		pending:           NewPending(),
	}
}

// NewID returns "feedback_<unixmilli>_<random>".
func NewID(now time.Time) string {
	return fmt.Sprintf("feedback_%d_%s", now.UnixMilli(), uuid.New().String()[:8])
}

// Pending returns the session's future.
func (s *Session) Pending() *Pending {
	return s.pending
}

// Summary returns the text every page sees for this session.
func (s *Session) Summary() string {
	if s.Notice != "" {
		return s.Notice
	}
	return s.Prompt
}

// Expired reports whether the session outlived its timeout at now.
func (s *Session) Expired(now time.Time) bool {
	return s.Timeout > 0 && now.Sub(s.CreatedAt) > s.Timeout
}

func (s *Session) rounds() int {
	if s.Rounds <= 0 {
		return 1
	}
	return s.Rounds
}

// clone returns a copy safe to hand out of the store lock.
func (s *Session) clone() *Session {
	c := *s
	c.Replies = append([]domain.FeedbackReply(nil), s.Replies...)
	return &c
}
