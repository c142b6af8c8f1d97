package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/observability"
	"github.com/haasonsaas/agenthub/internal/skills"
	"github.com/haasonsaas/agenthub/internal/store"
)

// Pipeline mediates every tool call: declarative rules, imperative hooks,
// dispatch, post-hook observation. It implements agent.ToolExecutor, so the
// runner hands it every tool_use block and takes back a tool_result.
type Pipeline struct {
	log     *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	hooks   *hookEngine
	skills  *skills.Manager
	files   *store.AgentStore
	fetch   *FetchPolicy

	mu       sync.RWMutex
	registry *agent.Registry
	router   ClientRouter
	tools    map[string]Tool
	order    []string
	disabled map[string]bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(log *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log.With("component", "tools")
		}
	}
}

// WithMetrics records per-tool execution counts and latency.
func WithMetrics(m *observability.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer opens a span around every tool execution.
func WithTracer(t *observability.Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = t }
}

// WithSkills exposes the skill manager's tools through the pipeline.
func WithSkills(mgr *skills.Manager) PipelineOption {
	return func(p *Pipeline) { p.skills = mgr }
}

// WithStore backs hub.files inside skill scripts.
func WithStore(s *store.AgentStore) PipelineOption {
	return func(p *Pipeline) { p.files = s }
}

// WithFetchPolicy backs hub.fetch inside skill and runjs scripts.
func WithFetchPolicy(f *FetchPolicy) PipelineOption {
	return func(p *Pipeline) { p.fetch = f }
}

// NewPipeline creates an empty pipeline. Tools and rules are registered
// afterwards; the registry and client router attach once the hub has built
// them.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		log:   slog.Default().With("component", "tools"),
		tools: make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.hooks = newHookEngine(p.log)
	return p
}

// SetRegistry attaches the agent registry. Wired once at startup, before
// any turn runs; the pipeline and registry reference each other, so one of
// them has to bind late.
func (p *Pipeline) SetRegistry(reg *agent.Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry = reg
}

// SetRouter attaches the client router used for agent-declared tools that
// execute on a subscribed client.
func (p *Pipeline) SetRouter(r ClientRouter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.router = r
}

// Register adds a tool to the dispatch table. Last registration wins on a
// name collision; declaration order follows first registration.
func (p *Pipeline) Register(t Tool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := t.Name()
	if _, exists := p.tools[name]; !exists {
		p.order = append(p.order, name)
	}
	p.tools[name] = t
}

// SetDisabled replaces the set of registered tool names withheld from
// declaration and dispatch. Config reloads call this to toggle tools
// without tearing the pipeline down; a disabled name that an agent's
// config declares still routes to the client.
func (p *Pipeline) SetDisabled(names []string) {
	next := make(map[string]bool, len(names))
	for _, n := range names {
		next[n] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = next
}

// AddRule registers a declarative hook rule.
func (p *Pipeline) AddRule(r HookRule) error { return p.hooks.AddRule(r) }

// RemoveRule drops declarative rules by name.
func (p *Pipeline) RemoveRule(name string) int { return p.hooks.RemoveRule(name) }

// Rules lists the registered declarative rules.
func (p *Pipeline) Rules() []HookRule { return p.hooks.Rules() }

// AddPreHook registers an imperative pre-hook.
func (p *Pipeline) AddPreHook(fn PreHookFunc) { p.hooks.AddPreHook(fn) }

// AddPostHook registers an imperative post-hook observer.
func (p *Pipeline) AddPostHook(fn PostHookFunc) { p.hooks.AddPostHook(fn) }

// Declarations builds the tool list the LLM sees for one agent: the
// registered tools, then the agent's enabled skills, then the declarations
// its config carries. Config declarations execute on a subscribed client.
// First declaration of a name wins.
func (p *Pipeline) Declarations(cfg *agent.AgentConfig) []agent.ToolDecl {
	p.mu.RLock()
	order := make([]string, 0, len(p.order))
	for _, name := range p.order {
		if !p.disabled[name] {
			order = append(order, name)
		}
	}
	table := make(map[string]Tool, len(p.tools))
	for k, v := range p.tools {
		table[k] = v
	}
	p.mu.RUnlock()

	out := make([]agent.ToolDecl, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		t := table[name]
		out = append(out, agent.ToolDecl{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
		seen[name] = true
	}

	if p.skills != nil && cfg != nil {
		for _, sk := range p.skills.ForAgent(cfg.Skills) {
			name := sk.ToolName()
			if seen[name] {
				continue
			}
			out = append(out, skillDecl(sk))
			seen[name] = true
		}
	}

	if cfg != nil {
		for _, d := range cfg.Tools {
			if seen[d.Name] {
				continue
			}
			if len(d.InputSchema) == 0 {
				d.InputSchema = json.RawMessage(`{"type":"object"}`)
			}
			out = append(out, d)
			seen[d.Name] = true
		}
	}
	return out
}

// ExecuteTool runs one call through pre-hooks, dispatch, and post-hooks.
// Every failure mode comes back as an IsError outcome; the runner never sees
// a Go error from the pipeline.
func (p *Pipeline) ExecuteTool(ctx context.Context, agentID, name string, input json.RawMessage) agent.ToolOutcome {
	start := time.Now()
	call := Call{AgentID: agentID, Tool: name, Input: input}

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "tool."+name,
			attribute.String("tool.name", name),
			attribute.String("agent.id", agentID))
		defer span.End()
	}

	p.mu.RLock()
	reg := p.registry
	p.mu.RUnlock()
	if reg != nil {
		if r, ok := reg.Get(agentID); ok {
			call.Runner = r
			call.Config = r.Config()
		}
	}

	outcome, status := p.screenAndDispatch(ctx, call)

	if p.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("tool.status", status))
	}

	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordToolExecution(name, status, elapsed.Seconds())
	}
	p.log.Info("tool call finished",
		"agent", agentID, "tool", name, "status", status, "duration", elapsed)
	return outcome
}

func (p *Pipeline) screenAndDispatch(ctx context.Context, call Call) (agent.ToolOutcome, string) {
	if d := p.hooks.evaluatePre(call); d.Action == ActionDeny {
		outcome := toolError(d.Reason)
		p.hooks.runPost(call, outcome)
		return outcome, "denied"
	}

	outcome := p.dispatch(ctx, call)
	p.hooks.runPost(call, outcome)
	if outcome.IsError {
		return outcome, "error"
	}
	return outcome, "ok"
}

func (p *Pipeline) dispatch(ctx context.Context, call Call) agent.ToolOutcome {
	p.mu.RLock()
	t, ok := p.tools[call.Tool]
	if ok && p.disabled[call.Tool] {
		t, ok = nil, false
	}
	router := p.router
	p.mu.RUnlock()

	if ok {
		outcome, err := t.Execute(ctx, call)
		if err != nil {
			p.log.Error("tool execution fault",
				"agent", call.AgentID, "tool", call.Tool, "error", err)
			return toolError(call.Tool + ": " + err.Error())
		}
		return outcome
	}

	if p.skills != nil && strings.HasPrefix(call.Tool, skillPrefix) {
		if sk := p.enabledSkill(call); sk != nil {
			return p.runSkill(ctx, sk, call)
		}
	}

	if declaresTool(call.Config, call.Tool) {
		return routeToClient(ctx, router, call)
	}

	return toolError("unknown tool: " + call.Tool)
}

// enabledSkill resolves a skill_ tool name against the agent's enabled set.
// A skill that exists on disk but is not in the agent's config stays
// invisible to it.
func (p *Pipeline) enabledSkill(call Call) *skills.Skill {
	if call.Config == nil {
		return nil
	}
	for _, sk := range p.skills.ForAgent(call.Config.Skills) {
		if sk.ToolName() == call.Tool {
			return sk
		}
	}
	return nil
}

func declaresTool(cfg *agent.AgentConfig, name string) bool {
	if cfg == nil {
		return false
	}
	for _, d := range cfg.Tools {
		if d.Name == name {
			return true
		}
	}
	return false
}
