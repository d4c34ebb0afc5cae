package domain

import (
	"strings"
	"time"
)

// Image is one attachment of a feedback reply.
type Image struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// FeedbackReply is a single submission from the browser. It is never mutated
// after it has been appended to a session.
type FeedbackReply struct {
	Text      string    `json:"text,omitempty"`
	Images    []Image   `json:"images,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HasContent reports whether the reply carries text or at least one image.
func (r FeedbackReply) HasContent() bool {
	return strings.TrimSpace(r.Text) != "" || len(r.Images) > 0
}
