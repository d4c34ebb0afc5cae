// Package http provides the HTTP server of one feedback instance.
package http

import (
	"context"
	"embed"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/feedback"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/hub"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/mcp"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/protocol"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/session"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/ws"
)

//go:embed static/index.html
var static embed.FS

// Info identifies the instance in /health.
type Info struct {
	ClientID  string
	Port      int
	Mode      domain.TransportMode
	StartedAt time.Time
}

// Deps are the components the server exposes. MCP is nil in stdio mode.
type Deps struct {
	Info      Info
	Hub       *hub.Hub
	Store     *session.Store
	Collector *feedback.Collector
	WS        *ws.Server
	MCP       *mcp.TransportRegistry
	// LogOutput receives request logs; stdout is reserved for JSON-RPC in
	// stdio mode. Defaults to stderr.
	LogOutput io.Writer
}

// Server is the HTTP server of one instance.
type Server struct {
	echo *echo.Echo
	deps Deps
}

// NewServer creates the server and registers its routes.
func NewServer(deps Deps) *Server {
	out := deps.LogOutput
	if out == nil {
		out = os.Stderr
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetOutput(out)

	// Middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{Output: out}))
	e.Use(middleware.Recover())
	port := strconv.Itoa(deps.Info.Port)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return ws.LoopbackOrigin(origin, port), nil
		},
		AllowHeaders:  []string{echo.HeaderContentType, mcp.HeaderSessionID},
		ExposeHeaders: []string{mcp.HeaderSessionID},
	}))

	s := &Server{echo: e, deps: deps}
	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes registers all routes.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/", s.handleIndex)
	e.GET("/health", s.handleHealth)
	e.GET("/api/sessions/:id", s.handleGetSession)
	if s.deps.WS != nil {
		e.GET("/ws", s.deps.WS.HandleWebSocket)
	}
	if s.deps.MCP != nil {
		s.deps.MCP.RegisterRoutes(e)
	}
}

// Echo exposes the underlying router, for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Serve serves on an already bound listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.echo.Listener = ln
	err := s.echo.Start(ln.Addr().String())
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleIndex(c echo.Context) error {
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "page unavailable"})
	}
	return c.HTMLBlob(http.StatusOK, page)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]interface{}{
		"status":            "healthy",
		"client_id":         s.deps.Info.ClientID,
		"port":              s.deps.Info.Port,
		"mode":              s.deps.Info.Mode,
		"uptime_seconds":    int(time.Since(s.deps.Info.StartedAt).Seconds()),
		"connections":       s.deps.Hub.GetConnectionCount(),
		"protocol_sessions": s.deps.Hub.GetProtocolSessionCount(),
		"pending_sessions":  s.deps.Store.Len(),
	}
	if s.deps.MCP != nil {
		body["transports"] = s.deps.MCP.Len()
	}
	return c.JSON(http.StatusOK, body)
}

// SessionResponse is returned by GET /api/sessions/:id.
type SessionResponse struct {
	SessionID   string `json:"session_id"`
	WorkSummary string `json:"work_summary"`
}

func (s *Server) handleGetSession(c echo.Context) error {
	id := c.Param("id")
	bound := c.QueryParam(protocol.QueryProtocolSession)
	summary, err := s.deps.Collector.WorkSummary(c.Request().Context(), bound, id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, domain.ErrSourceVerificationFailed):
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, SessionResponse{SessionID: id, WorkSummary: summary})
}
