// Package hub tracks live browser socket connections and the protocol
// session each one was opened for.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID string
	// ProtocolSessionID is the MCP session token the page was opened with.
	// Empty when the page connected without one.
	ProtocolSessionID string
	Conn              *websocket.Conn
	Send              chan []byte

	mu      sync.Mutex // guards closed and sends on Send
	closed  bool
	writeMu sync.Mutex
}

// Hub manages all WebSocket connections of one server instance.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// protocolSessions maps protocol session id to the set of connection IDs
	protocolSessions map[string]map[string]bool

	mu  sync.RWMutex
	log *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		connections:      make(map[string]*Connection),
		protocolSessions: make(map[string]map[string]bool),
		log:              log.With("component", "hub"),
	}
}

// NewConnection creates a connection bound to protocolSessionID. ws may be
// nil for connections that are only read through Send.
func (h *Hub) NewConnection(ws *websocket.Conn, protocolSessionID string) *Connection {
	return &Connection{
		ID:                uuid.New().String(),
		ProtocolSessionID: protocolSessionID,
		Conn:              ws,
		Send:              make(chan []byte, 256),
	}
}

// Register adds the connection and binds it to its protocol session.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	if conn.ProtocolSessionID != "" {
		if h.protocolSessions[conn.ProtocolSessionID] == nil {
			h.protocolSessions[conn.ProtocolSessionID] = make(map[string]bool)
		}
		h.protocolSessions[conn.ProtocolSessionID][conn.ID] = true
	}
	h.mu.Unlock()

	if conn.ProtocolSessionID == "" {
		h.log.Warn("connection registered without protocol session; routing falls back to heuristics", "conn_id", conn.ID)
		return
	}
	h.log.Info("connection registered", "conn_id", conn.ID, "protocol_session_id", conn.ProtocolSessionID)
}

// Unregister removes the connection and closes its send channel. Calling it
// more than once is harmless.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn.ID)
	if psid := conn.ProtocolSessionID; psid != "" && h.protocolSessions[psid] != nil {
		delete(h.protocolSessions[psid], conn.ID)
		if len(h.protocolSessions[psid]) == 0 {
			delete(h.protocolSessions, psid)
		}
	}
	conn.closeSend()
	h.mu.Unlock()
	h.log.Info("connection unregistered", "conn_id", conn.ID)
}

// ProtocolSessionFor returns the protocol session a connection is bound to.
func (h *Hub) ProtocolSessionFor(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[connID]
	if !ok || conn.ProtocolSessionID == "" {
		return "", false
	}
	return conn.ProtocolSessionID, true
}

// ConnectionsFor returns the ids of connections bound to protocolSessionID.
func (h *Hub) ConnectionsFor(protocolSessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.protocolSessions[protocolSessionID]))
	for id := range h.protocolSessions[protocolSessionID] {
		ids = append(ids, id)
	}
	return ids
}

// SendJSON sends a JSON message to one connection.
func (h *Hub) SendJSON(connID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.RLock()
	conn, ok := h.connections[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}
	return h.sendToConnection(conn, data)
}

// SendToProtocolSession sends a JSON message to every connection bound to
// protocolSessionID and returns how many received it.
func (h *Hub) SendToProtocolSession(protocolSessionID string, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.protocolSessions[protocolSessionID]))
	for id := range h.protocolSessions[protocolSessionID] {
		if conn, ok := h.connections[id]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()
	return h.deliver(targets, data), nil
}

// BroadcastJSON sends a JSON message to every connection.
func (h *Hub) BroadcastJSON(v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	return h.deliver(targets, data), nil
}

func (h *Hub) deliver(targets []*Connection, data []byte) int {
	delivered := 0
	for _, conn := range targets {
		if err := h.sendToConnection(conn, data); err != nil {
			if err == ErrBufferFull {
				h.log.Warn("connection buffer full, closing", "conn_id", conn.ID)
				go h.Unregister(conn)
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) sendToConnection(conn *Connection, data []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return ErrConnectionNotFound
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// CloseAll unregisters every connection. Used when the instance stops.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		all = append(all, conn)
	}
	h.mu.RUnlock()
	for _, conn := range all {
		h.Unregister(conn)
	}
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetProtocolSessionCount returns the number of bound protocol sessions.
func (h *Hub) GetProtocolSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.protocolSessions)
}

// HasActiveConnections checks if a protocol session has any active connections.
func (h *Hub) HasActiveConnections(protocolSessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.protocolSessions[protocolSessionID]
	return ok && len(connIDs) > 0
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

// ErrConnectionNotFound is returned when sending to an unknown or closed connection.
var ErrConnectionNotFound = &ConnectionNotFoundError{}

// ConnectionNotFoundError represents a send to a connection that is gone.
type ConnectionNotFoundError struct{}

func (e *ConnectionNotFoundError) Error() string {
	return "connection not found"
}
