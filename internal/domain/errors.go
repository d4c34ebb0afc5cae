package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned for sessions that expired or never existed.
	ErrSessionNotFound = errors.New("session not found or expired")
	// ErrSourceVerificationFailed is returned when the submitting socket is not
	// bound to the protocol session that owns the feedback session.
	ErrSourceVerificationFailed = errors.New("source verification failed")
	// ErrInvalidPayload is returned for submissions without text and images,
	// or with a malformed image.
	ErrInvalidPayload = errors.New("invalid feedback payload")
	// ErrDuplicateSession is returned when a session id is created twice.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrSessionClosed rejects a pending session whose protocol connection went away.
	ErrSessionClosed = errors.New("session closed")
	// ErrShutdown rejects pending sessions when their instance stops.
	ErrShutdown = errors.New("feedback server shutting down")
	// ErrPortAllocationExhausted is returned when no candidate port is free.
	ErrPortAllocationExhausted = errors.New("port allocation exhausted")
	// ErrFeedbackTimeout matches any *FeedbackTimeoutError via errors.Is.
	ErrFeedbackTimeout = errors.New("feedback timeout")
)

// FeedbackTimeoutError carries the configured wait that elapsed.
type FeedbackTimeoutError struct {
	Timeout time.Duration
}

// NewFeedbackTimeout returns a timeout error for the given duration.
func NewFeedbackTimeout(timeout time.Duration) *FeedbackTimeoutError {
	return &FeedbackTimeoutError{Timeout: timeout}
}

func (e *FeedbackTimeoutError) Error() string {
	return fmt.Sprintf("feedback timeout after %s", e.Timeout)
}

// Is lets errors.Is(err, ErrFeedbackTimeout) match.
func (e *FeedbackTimeoutError) Is(target error) bool {
	return target == ErrFeedbackTimeout
}
