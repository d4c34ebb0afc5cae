package instance

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/config"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/feedback"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/hub"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/mcp"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/policy"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/portalloc"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/session"
	transporthttp "github.com/Songmengdi/mcp-feedback-collector-sub000/internal/transport/http"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/ws"
)

// Instructions is sent to MCP clients on initialize.
const Instructions = "Call collect_feedback with a summary of your work whenever you need the user's review. " +
	"The call blocks until the user replies in the browser or the wait times out."

// Options selects how one instance is launched.
type Options struct {
	// ClientID names the instance; a fresh id is generated when empty.
	ClientID string
	// Port pins the listen port. Zero asks the allocator.
	Port int
	// ServeMCP mounts the HTTP MCP transport on the instance.
	ServeMCP bool
}

// Launcher builds instances. Everything it shares between instances is
// read-only: configuration, policy, image checks and prompt templates.
type Launcher struct {
	cfg     *config.Config
	ports   *portalloc.Allocator
	policy  *policy.Engine
	images  feedback.ImageValidator
	prompts feedback.Renderer
	opener  feedback.BrowserOpener
	log     *slog.Logger
}

// NewLauncher creates a launcher. prompts and opener may be nil.
func NewLauncher(cfg *config.Config, ports *portalloc.Allocator, engine *policy.Engine, images feedback.ImageValidator, prompts feedback.Renderer, opener feedback.BrowserOpener, log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{
		cfg:     cfg,
		ports:   ports,
		policy:  engine,
		images:  images,
		prompts: prompts,
		opener:  opener,
		log:     log,
	}
}

// Launch allocates a port, wires a fresh store, hub and collector, and
// returns once the listener is bound. Port exhaustion fails fast with
// ErrPortAllocationExhausted.
func (l *Launcher) Launch(ctx context.Context, opts Options) (*Instance, error) {
	now := time.Now()
	clientID := opts.ClientID
	if clientID == "" {
		clientID = NewClientID(now)
	}
	log := l.log.With("client_id", clientID)

	inst := &Instance{ClientID: clientID, StartedAt: now, state: domain.InstanceStateUninitialized, log: log.With("component", "instance")}

	ln, err := l.listen(ctx, opts.Port)
	if err != nil {
		log.Error("instance failed to start", "error", err)
		return nil, err
	}
	inst.Port = ln.Addr().(*net.TCPAddr).Port
	inst.setState(domain.InstanceStateStarting)

	inst.Store = session.NewStore(session.WithLogger(log))
	inst.Hub = hub.NewHub(log)
	inst.Collector = feedback.New(inst.Store, inst.Hub, l.policy, l.images, l.prompts, l.opener, feedback.Settings{
		Port:         inst.Port,
		Timeout:      l.cfg.FeedbackTimeout,
		BrowserDelay: l.cfg.BrowserDelay,
		Fallback:     l.cfg.AssignFallback,
	}, log)
	inst.WS = ws.NewServer(l.cfg, inst.Hub, inst.Collector, log)

	if opts.ServeMCP {
		registry := mcp.NewRegistry()
		if err := mcp.RegisterFeedbackTools(registry, mcp.StaticCollector(inst.Collector)); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("failed to register tools: %w", err)
		}
		store := inst.Store
		inst.MCP = mcp.NewTransportRegistry(mcp.NewDispatcher(registry, Instructions, log), func(id string) {
			store.DeleteByProtocolSessionID(id)
		}, log)
	}

	mode := domain.TransportModeStdio
	if opts.ServeMCP {
		mode = domain.TransportModeHTTP
	}
	inst.Server = transporthttp.NewServer(transporthttp.Deps{
		Info: transporthttp.Info{
			ClientID:  clientID,
			Port:      inst.Port,
			Mode:      mode,
			StartedAt: now,
		},
		Hub:       inst.Hub,
		Store:     inst.Store,
		Collector: inst.Collector,
		WS:        inst.WS,
		MCP:       inst.MCP,
	})

	bgCtx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.group = &errgroup.Group{}
	inst.group.Go(func() error {
		return inst.Server.Serve(ln)
	})
	inst.group.Go(func() error {
		inst.Store.RunSweeper(bgCtx, l.cfg.SweepInterval)
		return nil
	})

	inst.setState(domain.InstanceStateRunning)
	log.Info("instance running", "port", inst.Port, "url", inst.URL())
	return inst, nil
}

// listen binds the pinned port, or allocates one. Losing the race for an
// allocated port is reported, not retried.
func (l *Launcher) listen(ctx context.Context, port int) (net.Listener, error) {
	if port > 0 {
		ln, err := net.Listen("tcp", l.ports.Addr(port))
		if err != nil {
			return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
		}
		return ln, nil
	}

	port, err := l.ports.FindAvailable(ctx)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", l.ports.Addr(port))
	if err != nil {
		return nil, fmt.Errorf("%w: port %d taken after probe: %v", domain.ErrPortAllocationExhausted, port, err)
	}
	return ln, nil
}
