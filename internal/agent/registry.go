package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry owns every runner. Insertion order is irrelevant; removal kills
// the runner and releases it for disposal.
type Registry struct {
	log  *slog.Logger
	deps RunnerDeps

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewRegistry builds an empty registry whose runners share deps.
func NewRegistry(deps RunnerDeps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger.With("component", "registry"),
		deps:    deps,
		runners: map[string]*Runner{},
	}
}

// Create builds a pending runner. An empty id gets a fresh UUID; a taken id
// is an error.
func (g *Registry) Create(cfg *AgentConfig) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent config is required")
	}
	c := cfg.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = c.ID
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.runners[c.ID]; taken {
		return nil, fmt.Errorf("agent %s already exists", c.ID)
	}
	r := NewRunner(c, g.deps)
	g.runners[c.ID] = r
	g.gauge()
	g.log.Info("agent created", "agent", c.ID, "name", c.Name)
	return r, nil
}

// Restore rebuilds a runner from a snapshot in the pending state.
func (g *Registry) Restore(snap *SessionSnapshot) (*Runner, error) {
	if snap == nil || snap.Config == nil || snap.Config.ID == "" {
		return nil, fmt.Errorf("snapshot missing agent config")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.runners[snap.Config.ID]; taken {
		return nil, fmt.Errorf("agent %s already exists", snap.Config.ID)
	}
	r := RestoreRunner(snap, g.deps)
	g.runners[r.ID()] = r
	g.gauge()
	g.log.Info("agent restored", "agent", r.ID())
	return r, nil
}

// Get returns the runner for id.
func (g *Registry) Get(id string) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runners[id]
	return r, ok
}

// List returns all runners sorted by id.
func (g *Registry) List() []*Runner {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len reports the number of runners.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runners)
}

// Remove kills the runner and drops it from the registry. The removed
// runner is returned so the caller can dispose attached resources.
func (g *Registry) Remove(id string) (*Runner, bool) {
	g.mu.Lock()
	r, ok := g.runners[id]
	if ok {
		delete(g.runners, id)
		g.gauge()
	}
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	if err := r.Kill(); err != nil {
		g.log.Warn("kill on remove failed", "agent", id, "error", err)
	}
	g.log.Info("agent removed", "agent", id)
	return r, true
}

// RemoveAll kills and drops every runner. Returns the removed ids.
func (g *Registry) RemoveAll() []string {
	g.mu.Lock()
	ids := make([]string, 0, len(g.runners))
	runners := make([]*Runner, 0, len(g.runners))
	for id, r := range g.runners {
		ids = append(ids, id)
		runners = append(runners, r)
	}
	g.runners = map[string]*Runner{}
	g.gauge()
	g.mu.Unlock()

	for _, r := range runners {
		_ = r.Kill()
	}
	sort.Strings(ids)
	return ids
}

func (g *Registry) gauge() {
	if g.deps.Metrics != nil {
		g.deps.Metrics.Runners.Set(float64(len(g.runners)))
	}
}
