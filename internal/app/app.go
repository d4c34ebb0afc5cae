// Package app wires the feedback collector for the two transport modes.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/browser"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/config"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/imagecheck"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/instance"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/mcp"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/policy"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/portalloc"
	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/prompts"
)

const shutdownTimeout = 10 * time.Second

// App holds the process-wide, read-only collaborators.
type App struct {
	cfg      *config.Config
	prompts  *prompts.SQLiteStore
	launcher *instance.Launcher
	log      *slog.Logger
}

// New builds the policy engine, prompt store and instance launcher.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	promptStore, err := prompts.NewSQLiteStore(cfg.PromptsDB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prompt store: %w", err)
	}
	if cfg.PromptsFile != "" {
		n, err := promptStore.LoadFile(ctx, cfg.PromptsFile)
		if err != nil {
			promptStore.Close()
			return nil, fmt.Errorf("failed to load prompts: %w", err)
		}
		log.Info("prompts loaded", "file", cfg.PromptsFile, "count", n)
	}

	ports := portalloc.New(cfg.PortBase, cfg.PortRange, cfg.CheckPortProcess, log)
	launcher := instance.NewLauncher(cfg, ports, policyEngine, imagecheck.New(cfg.MaxImageBytes), promptStore,
		browser.NewLauncher(cfg.OpenBrowser, log), log)

	return &App{cfg: cfg, prompts: promptStore, launcher: launcher, log: log}, nil
}

// Close releases the prompt store.
func (a *App) Close() error {
	return a.prompts.Close()
}

// RunStdio serves one agent over in/out. Its instance is launched on the
// first feedback request and destroyed when the agent disconnects or ctx
// ends.
func (a *App) RunStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	clientID := instance.NewClientID(time.Now())
	protocolSessionID := "stdio-" + clientID
	log := a.log.With("client_id", clientID)

	instances := instance.NewRegistry(a.launcher, instance.Options{}, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := instances.DestroyAll(shutdownCtx); err != nil {
			log.Warn("instance shutdown incomplete", "error", err)
		}
	}()

	tools := mcp.NewRegistry()
	err := mcp.RegisterFeedbackTools(tools, func(ctx context.Context, _ mcp.Call) (mcp.FeedbackCollector, error) {
		inst, err := instances.Ensure(ctx, clientID)
		if err != nil {
			return nil, err
		}
		return inst.Collector, nil
	})
	if err != nil {
		return err
	}

	server := mcp.NewStdioServer(in, out, mcp.NewDispatcher(tools, instance.Instructions, log), protocolSessionID,
		func(id string) {
			if inst, ok := instances.Get(clientID); ok {
				inst.Store.DeleteByProtocolSessionID(id)
			}
		}, log)
	return server.Run(ctx)
}

// RunHTTP serves MCP over HTTP on the configured port until ctx ends.
func (a *App) RunHTTP(ctx context.Context) error {
	inst, err := a.launcher.Launch(ctx, instance.Options{Port: a.cfg.HTTPPort, ServeMCP: true})
	if err != nil {
		return err
	}
	a.log.Info("feedback server listening", "url", inst.URL(), "mcp_endpoint", inst.URL()+"/mcp")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return inst.Shutdown(shutdownCtx)
}
