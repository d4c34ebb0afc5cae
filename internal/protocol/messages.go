// Package protocol defines the WebSocket events exchanged between the
// feedback page and the server.
package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
)

// QueryProtocolSession is the handshake query parameter carrying the MCP
// session token the page was opened for.
const QueryProtocolSession = "mcp_session"

// Message types from client to server
const (
	TypeRequestSession = "request_session"
	TypeGetWorkSummary = "get_work_summary"
	TypeSubmitFeedback = "submit_feedback"
)

// Message types from server to client
const (
	TypeSessionAssigned      = "session_assigned"
	TypeNoActiveSession      = "no_active_session"
	TypeWorkSummaryData      = "work_summary_data"
	TypeFeedbackSubmitted    = "feedback_submitted"
	TypeFeedbackError        = "feedback_error"
	TypeWorkSummaryBroadcast = "work_summary_broadcast"
	TypeError                = "error"
)

// BaseMessage contains the type discriminator shared by all events.
type BaseMessage struct {
	Type string `json:"type"`
}

// RequestSessionMessage asks the server which feedback session this page serves.
type RequestSessionMessage struct {
	BaseMessage
}

// GetWorkSummaryMessage asks for the work summary of a known session.
type GetWorkSummaryMessage struct {
	BaseMessage
	FeedbackSessionID string `json:"feedback_session_id"`
}

// ImagePayload is an image as sent by the page: base64 data, optionally a
// data URL.
type ImagePayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

// SubmitFeedbackMessage carries the human's reply.
type SubmitFeedbackMessage struct {
	BaseMessage
	Text      string         `json:"text,omitempty"`
	Images    []ImagePayload `json:"images,omitempty"`
	Timestamp int64          `json:"timestamp"`
	SessionID string         `json:"sessionId"`
}

// SessionAssignedMessage tells the page which session it serves.
type SessionAssignedMessage struct {
	BaseMessage
	SessionID   string `json:"session_id"`
	WorkSummary string `json:"work_summary"`
}

// NoActiveSessionMessage is sent when no session can be assigned.
type NoActiveSessionMessage struct {
	BaseMessage
	Message string `json:"message"`
}

// WorkSummaryDataMessage answers get_work_summary.
type WorkSummaryDataMessage struct {
	BaseMessage
	WorkSummary string `json:"work_summary"`
}

// FeedbackSubmittedMessage acknowledges an accepted submission.
type FeedbackSubmittedMessage struct {
	BaseMessage
	Success bool `json:"success"`
}

// FeedbackErrorMessage reports a rejected request to the page.
type FeedbackErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
}

// WorkSummaryBroadcastMessage is pushed when a new feedback round starts.
type WorkSummaryBroadcastMessage struct {
	BaseMessage
	SessionID   string `json:"session_id"`
	WorkSummary string `json:"work_summary"`
	Timestamp   int64  `json:"timestamp"`
}

// ErrorMessage is sent for malformed or unknown events.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeInternalError  = "internal_error"
)

// NewSessionAssigned builds a session_assigned event.
func NewSessionAssigned(sessionID, workSummary string) SessionAssignedMessage {
	return SessionAssignedMessage{
		BaseMessage: BaseMessage{Type: TypeSessionAssigned},
		SessionID:   sessionID,
		WorkSummary: workSummary,
	}
}

// NewNoActiveSession builds a no_active_session event.
func NewNoActiveSession(message string) NoActiveSessionMessage {
	return NoActiveSessionMessage{BaseMessage: BaseMessage{Type: TypeNoActiveSession}, Message: message}
}

// NewWorkSummaryData builds a work_summary_data event.
func NewWorkSummaryData(workSummary string) WorkSummaryDataMessage {
	return WorkSummaryDataMessage{BaseMessage: BaseMessage{Type: TypeWorkSummaryData}, WorkSummary: workSummary}
}

// NewFeedbackSubmitted builds a feedback_submitted event.
func NewFeedbackSubmitted() FeedbackSubmittedMessage {
	return FeedbackSubmittedMessage{BaseMessage: BaseMessage{Type: TypeFeedbackSubmitted}, Success: true}
}

// NewFeedbackError builds a feedback_error event.
func NewFeedbackError(message string) FeedbackErrorMessage {
	return FeedbackErrorMessage{BaseMessage: BaseMessage{Type: TypeFeedbackError}, Error: message}
}

// NewWorkSummaryBroadcast builds a work_summary_broadcast event.
func NewWorkSummaryBroadcast(sessionID, workSummary string, ts time.Time) WorkSummaryBroadcastMessage {
	return WorkSummaryBroadcastMessage{
		BaseMessage: BaseMessage{Type: TypeWorkSummaryBroadcast},
		SessionID:   sessionID,
		WorkSummary: workSummary,
		Timestamp:   ts.UnixMilli(),
	}
}

// NewError builds a generic error event.
func NewError(code, message string) ErrorMessage {
	return ErrorMessage{BaseMessage: BaseMessage{Type: TypeError}, Code: code, Message: message}
}

// Reply converts the submission into a domain reply. Images that are not
// valid base64 yield ErrInvalidPayload.
func (m SubmitFeedbackMessage) Reply() (domain.FeedbackReply, error) {
	reply := domain.FeedbackReply{Text: m.Text, Timestamp: time.UnixMilli(m.Timestamp)}
	if m.Timestamp == 0 {
		reply.Timestamp = time.Now()
	}
	for i, img := range m.Images {
		decoded, err := img.Decode()
		if err != nil {
			return domain.FeedbackReply{}, fmt.Errorf("%w: image %d: %v", domain.ErrInvalidPayload, i, err)
		}
		reply.Images = append(reply.Images, decoded)
	}
	return reply, nil
}

// Decode turns the payload into raw image bytes. A data URL prefix, when
// present, supplies the mime type if Type is empty.
func (p ImagePayload) Decode() (domain.Image, error) {
	data := p.Data
	mimeType := p.Type
	if strings.HasPrefix(data, "data:") {
		header, body, ok := strings.Cut(data, ",")
		if !ok {
			return domain.Image{}, fmt.Errorf("malformed data url")
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		}
		data = body
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return domain.Image{}, fmt.Errorf("decode base64: %w", err)
	}
	return domain.Image{Name: p.Name, MimeType: mimeType, Data: raw}, nil
}
