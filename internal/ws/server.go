// Package ws serves the feedback page's WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/config"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/feedback"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/hub"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/protocol"
)

const handlerTimeout = 5 * time.Second

// Server handles WebSocket connections.
type Server struct {
	cfg       *config.Config
	hub       *hub.Hub
	collector *feedback.Collector
	upgrader  websocket.Upgrader
	closed    atomic.Bool
	log       *slog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, collector *feedback.Collector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		cfg:       cfg,
		hub:       h,
		collector: collector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: log.With("component", "ws"),
	}
	srv.upgrader.CheckOrigin = srv.checkOrigin
	return srv
}

// checkOrigin admits the page served by this instance and clients that send
// no Origin at all. WebSocket upgrades bypass CORS.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, port, err := net.SplitHostPort(r.Host)
	if err == nil && LoopbackOrigin(origin, port) {
		return true
	}
	s.log.Warn("websocket origin rejected", "origin", origin, "host", r.Host)
	return false
}

// LoopbackOrigin reports whether origin is an http page on a loopback host
// at port.
func LoopbackOrigin(origin, port string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme != "http" || u.Port() != port {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Close stops accepting new sockets. Existing sockets are closed by the hub.
func (s *Server) Close() {
	s.closed.Store(true)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	if s.closed.Load() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	protocolSessionID := c.QueryParam(protocol.QueryProtocolSession)

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws, protocolSessionID)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read error", "conn_id", conn.ID, "error", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Warn("failed to write message", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.send(conn, protocol.NewError(protocol.ErrorCodeInvalidMessage, "invalid JSON message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch baseMsg.Type {
	case protocol.TypeRequestSession:
		s.handleRequestSession(ctx, conn)
	case protocol.TypeGetWorkSummary:
		s.handleGetWorkSummary(ctx, conn, data)
	case protocol.TypeSubmitFeedback:
		s.handleSubmitFeedback(ctx, conn, data)
	default:
		s.send(conn, protocol.NewError(protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type))
	}
}

func (s *Server) handleRequestSession(ctx context.Context, conn *hub.Connection) {
	sess, err := s.collector.AssignSession(ctx, conn.ID)
	if err != nil {
		s.log.Error("session assignment failed", "conn_id", conn.ID, "error", err)
		s.send(conn, protocol.NewError(protocol.ErrorCodeInternalError, "session assignment failed"))
		return
	}
	if sess == nil {
		s.send(conn, protocol.NewNoActiveSession("no active feedback session"))
		return
	}
	s.send(conn, protocol.NewSessionAssigned(sess.ID, sess.Summary()))
}

func (s *Server) handleGetWorkSummary(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.GetWorkSummaryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(conn, protocol.NewError(protocol.ErrorCodeInvalidMessage, "invalid get_work_summary message"))
		return
	}

	bound, _ := s.hub.ProtocolSessionFor(conn.ID)
	summary, err := s.collector.WorkSummary(ctx, bound, msg.FeedbackSessionID)
	if err != nil {
		s.send(conn, protocol.NewFeedbackError(feedback.ClientMessage(err)))
		return
	}
	s.send(conn, protocol.NewWorkSummaryData(summary))
}

func (s *Server) handleSubmitFeedback(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.SubmitFeedbackMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(conn, protocol.NewFeedbackError("invalid submit_feedback message"))
		return
	}

	if _, err := s.collector.Submit(ctx, conn.ID, msg); err != nil {
		s.log.Info("feedback rejected", "conn_id", conn.ID, "session_id", msg.SessionID, "error", err)
		s.send(conn, protocol.NewFeedbackError(feedback.ClientMessage(err)))
		return
	}
	s.send(conn, protocol.NewFeedbackSubmitted())
}

func (s *Server) send(conn *hub.Connection, v interface{}) {
	if err := s.hub.SendJSON(conn.ID, v); err != nil {
		s.log.Debug("failed to queue message", "conn_id", conn.ID, "error", err)
	}
}
