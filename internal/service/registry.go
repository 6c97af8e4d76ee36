package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/easeaico/code-review-agent/internal/llm"
	"github.com/easeaico/code-review-agent/internal/memory"
)

// ErrEmptyIdentity is returned when an operation names no identity.
var ErrEmptyIdentity = errors.New("identity is required")

// Registry maps identities to their actors, creating them on first access.
// Only the map is guarded by a lock; actors share no other state.
type Registry struct {
	store     memory.Store
	generator llm.Generator
	opts      Options

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewRegistry creates a registry whose agents use store and generator.
func NewRegistry(store memory.Store, generator llm.Generator, opts Options) *Registry {
	return &Registry{
		store:     store,
		generator: generator,
		opts:      opts.withDefaults(),
		actors:    make(map[string]*Actor),
	}
}

// Get returns the actor of identity, starting one if needed.
func (r *Registry) Get(identity string) (*Actor, error) {
	if identity == "" {
		return nil, ErrEmptyIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if a, ok := r.actors[identity]; ok {
		return a, nil
	}

	agent := NewAgent(identity, r.store, r.generator, r.opts)
	a := newActor(agent, agent.logger)
	r.actors[identity] = a
	r.opts.Metrics.AgentStarted()
	r.opts.Logger.Debug("Agent started", zap.String("identity", identity))
	return a, nil
}

// Do runs op on identity's actor.
func (r *Registry) Do(ctx context.Context, identity string, op Op) error {
	a, err := r.Get(identity)
	if err != nil {
		return err
	}
	return a.Do(ctx, op)
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops all actors and rejects further work.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	actors := r.actors
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	for _, a := range actors {
		a.Stop()
		r.opts.Metrics.AgentStopped()
	}
	r.opts.Logger.Info("Registry closed", zap.Int("agents", len(actors)))
}
