package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
)

// Registry keeps one instance per client id. Instances never share state;
// the registry only maps ids to them.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	launcher  *Launcher
	opts      Options
	starting  singleflight.Group
	log       *slog.Logger
}

// NewRegistry creates a registry that launches instances with opts.
func NewRegistry(launcher *Launcher, opts Options, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		instances: make(map[string]*Instance),
		launcher:  launcher,
		opts:      opts,
		log:       log.With("component", "instance_registry"),
	}
}

// Ensure returns the running instance for clientID, launching it on first
// use. Concurrent callers for one id share a single launch.
func (r *Registry) Ensure(ctx context.Context, clientID string) (*Instance, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if inst, ok := r.Get(clientID); ok {
		return inst, nil
	}

	v, err, _ := r.starting.Do(clientID, func() (interface{}, error) {
		if inst, ok := r.Get(clientID); ok {
			return inst, nil
		}
		opts := r.opts
		opts.ClientID = clientID
		inst, err := r.launcher.Launch(ctx, opts)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.instances[clientID] = inst
		r.mu.Unlock()
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

// Get returns a running instance.
func (r *Registry) Get(clientID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[clientID]
	if !ok || inst.State() != domain.InstanceStateRunning {
		return nil, false
	}
	return inst, true
}

// Destroy shuts the instance down and forgets it. Unknown ids are a no-op.
func (r *Registry) Destroy(ctx context.Context, clientID string) error {
	r.mu.Lock()
	inst, ok := r.instances[clientID]
	delete(r.instances, clientID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Shutdown(ctx)
}

// DestroyAll shuts every instance down.
func (r *Registry) DestroyAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Instance, 0, len(r.instances))
	for id, inst := range r.instances {
		all = append(all, inst)
		delete(r.instances, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, inst := range all {
		if err := inst.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(all) > 0 {
		r.log.Info("all instances destroyed", "count", len(all))
	}
	return errors.Join(errs...)
}

// Len returns the number of tracked instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
