package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/tmaxmax/go-sse"
)

// HeaderSessionID carries the protocol session id on /mcp requests.
const HeaderSessionID = "Mcp-Session-Id"

const (
	maxRequestBytes = 4 << 20
	eventBuffer     = 32
)

// Transport is one HTTP-mode MCP connection.
type Transport struct {
	ID        string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	events    chan []byte
	streaming bool
	seq       int
}

// Context is cancelled when the transport is closed.
func (t *Transport) Context() context.Context {
	return t.ctx
}

// Notify queues a notification for the GET /mcp stream. Without a reader
// the queue fills and further notifications are dropped.
func (t *Transport) Notify(method string, params any) {
	data, err := json.Marshal(JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return
	}
	select {
	case <-t.ctx.Done():
	case t.events <- data:
	default:
	}
}

func (t *Transport) call() Call {
	return Call{ProtocolSessionID: t.ID, Notify: t.Notify}
}

// TransportRegistry tracks HTTP-mode transports by protocol session id and
// serves POST, GET and DELETE /mcp.
type TransportRegistry struct {
	mu         sync.Mutex
	transports map[string]*Transport
	dispatcher *Dispatcher
	onClose    func(protocolSessionID string)
	log        *slog.Logger
}

// NewTransportRegistry creates a registry. onClose runs after a transport is
// removed, so pending feedback for it can be cancelled.
func NewTransportRegistry(dispatcher *Dispatcher, onClose func(string), log *slog.Logger) *TransportRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &TransportRegistry{
		transports: make(map[string]*Transport),
		dispatcher: dispatcher,
		onClose:    onClose,
		log:        log.With("component", "mcp_http"),
	}
}

// RegisterRoutes mounts the /mcp endpoints.
func (r *TransportRegistry) RegisterRoutes(e *echo.Echo) {
	e.POST("/mcp", r.HandlePost)
	e.GET("/mcp", r.HandleGet)
	e.DELETE("/mcp", r.HandleDelete)
}

// Get returns a live transport.
func (r *TransportRegistry) Get(id string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

// Len returns the number of live transports.
func (r *TransportRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports)
}

func (r *TransportRegistry) open() *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan []byte, eventBuffer),
	}
	r.mu.Lock()
	r.transports[t.ID] = t
	r.mu.Unlock()
	r.log.Info("transport opened", "protocol_session_id", t.ID)
	return t
}

// Close removes a transport, cancels its in-flight calls and runs onClose.
func (r *TransportRegistry) Close(id string) bool {
	r.mu.Lock()
	t, ok := r.transports[id]
	delete(r.transports, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	if r.onClose != nil {
		r.onClose(id)
	}
	r.log.Info("transport closed", "protocol_session_id", id)
	return true
}

// CloseAll closes every transport.
func (r *TransportRegistry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.transports))
	for id := range r.transports {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}

// HandlePost handles POST /mcp. Without a session header the body must be
// initialize, which opens a transport; with one it continues that transport.
func (r *TransportRegistry) HandlePost(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, newError(nil, CodeParseError, "failed to read body"))
	}
	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusBadRequest, newError(nil, CodeParseError, "Parse error"))
	}

	var t *Transport
	if id := c.Request().Header.Get(HeaderSessionID); id != "" {
		var ok bool
		if t, ok = r.Get(id); !ok {
			return c.JSON(http.StatusNotFound, newError(req.ID, CodeInvalidRequest, "unknown session"))
		}
	} else {
		if req.Method != "initialize" {
			return c.JSON(http.StatusBadRequest, newError(req.ID, CodeInvalidRequest, "missing "+HeaderSessionID+" header"))
		}
		t = r.open()
	}
	c.Response().Header().Set(HeaderSessionID, t.ID)

	// The call lives as long as both the transport and this request.
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(c.Request().Context(), cancel)
	defer stop()

	resp := r.dispatcher.Handle(ctx, t.call(), &req)
	if resp == nil {
		return c.NoContent(http.StatusAccepted)
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleGet opens the server push stream for an existing transport.
func (r *TransportRegistry) HandleGet(c echo.Context) error {
	t, ok := r.Get(c.Request().Header.Get(HeaderSessionID))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}

	t.mu.Lock()
	if t.streaming {
		t.mu.Unlock()
		return c.JSON(http.StatusConflict, map[string]string{"error": "stream already open"})
	}
	t.streaming = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.streaming = false
		t.mu.Unlock()
	}()

	c.Response().Header().Set(HeaderSessionID, t.ID)
	sess, err := sse.Upgrade(c.Response(), c.Request())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return nil
	}
	_ = sess.Flush()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-t.ctx.Done():
			return nil
		case data := <-t.events:
			t.mu.Lock()
			t.seq++
			id := strconv.Itoa(t.seq)
			t.mu.Unlock()

			msg := &sse.Message{ID: sse.ID(id)}
			msg.AppendData(string(data))
			if err := sess.Send(msg); err != nil {
				return nil
			}
			if err := sess.Flush(); err != nil {
				return nil
			}
		}
	}
}

// HandleDelete terminates a transport and cancels its pending feedback.
func (r *TransportRegistry) HandleDelete(c echo.Context) error {
	id := c.Request().Header.Get(HeaderSessionID)
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing " + HeaderSessionID + " header"})
	}
	if !r.Close(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}
	return c.NoContent(http.StatusNoContent)
}
