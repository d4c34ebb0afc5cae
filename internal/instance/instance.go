// Package instance runs isolated feedback servers, one per agent
// connection, each with its own port, session store and socket hub.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/feedback"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/hub"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/mcp"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/session"
	transporthttp "github.com/Songmengdi/mcp-feedback-collector-sub000/internal/transport/http"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/ws"
)

// NewClientID returns "<pid>-<unixmilli>-<random>". Unique enough to keep
// instances apart; not a secret.
func NewClientID(now time.Time) string {
	return fmt.Sprintf("%d-%d-%s", os.Getpid(), now.UnixMilli(), uuid.New().String()[:8])
}

// Instance is one running feedback server.
type Instance struct {
	ClientID  string
	Port      int
	StartedAt time.Time

	Store     *session.Store
	Hub       *hub.Hub
	Collector *feedback.Collector
	WS        *ws.Server
	Server    *transporthttp.Server
	// MCP is set when the instance also serves MCP over HTTP.
	MCP *mcp.TransportRegistry

	mu     sync.Mutex
	state  domain.InstanceState
	cancel context.CancelFunc
	group  *errgroup.Group
	log    *slog.Logger
}

// State returns the lifecycle state.
func (i *Instance) State() domain.InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s domain.InstanceState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// URL returns the base URL of the instance.
func (i *Instance) URL() string {
	return "http://localhost:" + strconv.Itoa(i.Port)
}

// Shutdown stops accepting sockets, rejects pending feedback with
// ErrShutdown and closes the listener. Only the first call does anything.
func (i *Instance) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	if i.state == domain.InstanceStateStopping || i.state == domain.InstanceStateDestroyed {
		i.mu.Unlock()
		return nil
	}
	i.state = domain.InstanceStateStopping
	i.mu.Unlock()

	i.log.Info("instance stopping")

	i.WS.Close()
	rejected := i.Store.CloseAll(domain.ErrShutdown)
	if i.MCP != nil {
		i.MCP.CloseAll()
	}
	i.Hub.CloseAll()

	err := i.Server.Shutdown(ctx)
	i.cancel()
	if waitErr := i.group.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}

	i.setState(domain.InstanceStateDestroyed)
	i.log.Info("instance destroyed", "rejected_sessions", rejected)
	if err != nil {
		return fmt.Errorf("failed to shutdown instance %s: %w", i.ClientID, err)
	}
	return nil
}
