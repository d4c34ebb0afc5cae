// Package termclient answers feedback requests from a terminal instead of
// the browser page.
package termclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/protocol"
)

// ErrRejected is returned when the server refuses a submission.
var ErrRejected = errors.New("feedback rejected")

// Assignment is the session a client is answering.
type Assignment struct {
	SessionID   string
	WorkSummary string
}

// Client represents a WebSocket client.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the /ws endpoint of the instance at baseURL, bound to
// protocolSessionID when it is not empty.
func Dial(ctx context.Context, baseURL, protocolSessionID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	if protocolSessionID != "" {
		u.RawQuery = url.Values{protocol.QueryProtocolSession: {protocolSessionID}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// WaitForSession asks for a session and, if none is pending yet, waits for
// the next work summary push until ctx ends.
func (c *Client) WaitForSession(ctx context.Context) (*Assignment, error) {
	if err := c.conn.WriteJSON(protocol.RequestSessionMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeRequestSession},
	}); err != nil {
		return nil, fmt.Errorf("write request_session: %w", err)
	}

	for {
		typ, data, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		switch typ {
		case protocol.TypeSessionAssigned:
			var msg protocol.SessionAssignedMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, fmt.Errorf("unmarshal session_assigned: %w", err)
			}
			return &Assignment{SessionID: msg.SessionID, WorkSummary: msg.WorkSummary}, nil
		case protocol.TypeWorkSummaryBroadcast:
			var msg protocol.WorkSummaryBroadcastMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, fmt.Errorf("unmarshal work_summary_broadcast: %w", err)
			}
			return &Assignment{SessionID: msg.SessionID, WorkSummary: msg.WorkSummary}, nil
		case protocol.TypeError:
			var msg protocol.ErrorMessage
			_ = json.Unmarshal(data, &msg)
			return nil, fmt.Errorf("request_session failed: %s - %s", msg.Code, msg.Message)
		}
		// no_active_session: keep waiting for a push.
	}
}

// Submit sends the reply for sessionID and waits for the server's verdict.
func (c *Client) Submit(ctx context.Context, sessionID, text string, imagePaths []string) error {
	msg := protocol.SubmitFeedbackMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeSubmitFeedback},
		Text:        text,
		Timestamp:   time.Now().UnixMilli(),
		SessionID:   sessionID,
	}
	for _, path := range imagePaths {
		img, err := LoadImage(path)
		if err != nil {
			return err
		}
		msg.Images = append(msg.Images, img)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write submit_feedback: %w", err)
	}

	for {
		typ, data, err := c.read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case protocol.TypeFeedbackSubmitted:
			return nil
		case protocol.TypeFeedbackError:
			var reply protocol.FeedbackErrorMessage
			_ = json.Unmarshal(data, &reply)
			return fmt.Errorf("%w: %s", ErrRejected, reply.Error)
		case protocol.TypeError:
			var reply protocol.ErrorMessage
			_ = json.Unmarshal(data, &reply)
			return fmt.Errorf("%w: %s", ErrRejected, reply.Message)
		}
	}
}

// LoadImage reads an image file into a submit payload.
func LoadImage(path string) (protocol.ImagePayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.ImagePayload{}, fmt.Errorf("read image: %w", err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return protocol.ImagePayload{
		Name: filepath.Base(path),
		Type: mimeType,
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (c *Client) read(ctx context.Context) (string, []byte, error) {
	_ = c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", nil, ctxErr
		}
		return "", nil, fmt.Errorf("read: %w", err)
	}
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return "", nil, fmt.Errorf("unmarshal: %w", err)
	}
	return base.Type, data, nil
}
