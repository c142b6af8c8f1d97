// Package hub is the connection manager: it owns both WebSocket planes,
// the per-agent subscription index and event fanout, write-through
// replication, push routing, intervention sessions, and the admin
// surface. Runners, the scheduler, tools, and storage are injected; the
// hub glues connections to them.
package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/browser"
	"github.com/haasonsaas/agenthub/internal/config"
	"github.com/haasonsaas/agenthub/internal/observability"
	"github.com/haasonsaas/agenthub/internal/push"
	"github.com/haasonsaas/agenthub/internal/ratelimit"
	"github.com/haasonsaas/agenthub/internal/schedule"
	"github.com/haasonsaas/agenthub/internal/store"
	"github.com/haasonsaas/agenthub/internal/tools"
)

// Options wires the hub's collaborators. Config, Registry, Store,
// Scheduler, and Pipeline are required; the rest degrade gracefully when
// absent.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	LevelVar *slog.LevelVar
	LogBus   *observability.LogBus
	Metrics  *observability.Metrics

	// Gatherer backs the admin /metrics endpoint. Defaults to the
	// process-global registry.
	Gatherer prometheus.Gatherer

	Registry  *agent.Registry
	Store     *store.AgentStore
	Scheduler *schedule.Scheduler
	Pipeline  *tools.Pipeline
	Browser   *browser.Pool
	Push      *push.Manager
	Lockout   *ratelimit.Lockout

	// Reload re-reads and validates the config file; the admin
	// reload_config op calls it.
	Reload func() (*config.Config, error)

	Now func() time.Time
}

// Hub hosts both WebSocket planes over one shared agent registry.
type Hub struct {
	log      *slog.Logger
	levelVar *slog.LevelVar
	logBus   *observability.LogBus
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer

	cfgMu sync.RWMutex
	cfg   *config.Config

	registry *agent.Registry
	store    *store.AgentStore
	sched    *schedule.Scheduler
	pipeline *tools.Pipeline
	browser  *browser.Pool
	push     *push.Manager
	lockout  *ratelimit.Lockout
	reload   func() (*config.Config, error)
	now      func() time.Time

	interventions *InterveneManager
	upgrader      websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*Client
	admins   map[string]*adminClient
	subs     map[string]map[string]*Client
	watchers map[string]func()

	routesMu sync.Mutex
	routes   map[string]*routePending

	clientLn  net.Listener
	adminLn   net.Listener
	clientSrv *http.Server
	adminSrv  *http.Server

	// cancelBg stops the sweep loops; Shutdown fires it so background
	// goroutines exit even when Start's context is never cancelled.
	cancelBg context.CancelFunc

	wg sync.WaitGroup
}

// New builds a hub and attaches it to the pipeline as the client router.
func New(opts Options) (*Hub, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("config is required")
	case opts.Registry == nil:
		return nil, errors.New("registry is required")
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Scheduler == nil:
		return nil, errors.New("scheduler is required")
	case opts.Pipeline == nil:
		return nil, errors.New("pipeline is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lockout := opts.Lockout
	if lockout == nil {
		lockout = ratelimit.New(ratelimit.DefaultConfig())
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &Hub{
		log:      log.With("component", "hub"),
		levelVar: opts.LevelVar,
		logBus:   opts.LogBus,
		metrics:  opts.Metrics,
		gatherer: gatherer,
		cfg:      opts.Config,
		registry: opts.Registry,
		store:    opts.Store,
		sched:    opts.Scheduler,
		pipeline: opts.Pipeline,
		browser:  opts.Browser,
		push:     opts.Push,
		lockout:  lockout,
		reload:   opts.Reload,
		now:      now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[string]*Client),
		admins:   make(map[string]*adminClient),
		subs:     make(map[string]map[string]*Client),
		watchers: make(map[string]func()),
		routes:   make(map[string]*routePending),
	}
	h.interventions = NewInterveneManager(h.log, now, h.flushIntervention)
	h.pipeline.SetRouter(h)
	h.pipeline.SetDisabled(disabledToolNames(opts.Config))
	return h, nil
}

// Start binds both planes and begins serving. A bind failure comes back
// as *BindError so main can exit with its dedicated code.
func (h *Hub) Start(ctx context.Context) error {
	h.cfgMu.RLock()
	clientAddr := net.JoinHostPort(h.cfg.Host, strconv.Itoa(h.cfg.Port))
	adminAddr := net.JoinHostPort(h.cfg.Host, strconv.Itoa(h.cfg.AdminPort))
	h.cfgMu.RUnlock()

	clientLn, err := net.Listen("tcp", clientAddr)
	if err != nil {
		return &BindError{Addr: clientAddr, Err: err}
	}
	adminLn, err := net.Listen("tcp", adminAddr)
	if err != nil {
		clientLn.Close()
		return &BindError{Addr: adminAddr, Err: err}
	}
	h.clientLn, h.adminLn = clientLn, adminLn

	clientMux := http.NewServeMux()
	clientMux.HandleFunc("/ws", h.handleClientWS)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/admin", h.handleAdminWS)
	adminMux.HandleFunc("/healthz", h.handleHealthz)
	adminMux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	h.clientSrv = &http.Server{Handler: clientMux, ReadHeaderTimeout: 5 * time.Second}
	h.adminSrv = &http.Server{Handler: adminMux, ReadHeaderTimeout: 5 * time.Second}

	go h.serve(h.clientSrv, clientLn, "client")
	go h.serve(h.adminSrv, adminLn, "admin")

	bgCtx, cancel := context.WithCancel(ctx)
	h.cancelBg = cancel
	if err := h.lockout.Start(bgCtx); err != nil {
		return err
	}
	if err := h.interventions.Start(bgCtx); err != nil {
		return err
	}

	h.log.Info("hub listening",
		"clients", clientLn.Addr().String(), "admin", adminLn.Addr().String())
	return nil
}

func (h *Hub) serve(srv *http.Server, ln net.Listener, plane string) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.log.Error("server stopped", "plane", plane, "error", err)
	}
}

func (h *Hub) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// ClientAddr reports the bound client-plane address, useful when the
// configured port was 0.
func (h *Hub) ClientAddr() string {
	if h.clientLn == nil {
		return ""
	}
	return h.clientLn.Addr().String()
}

// AdminAddr reports the bound admin-plane address.
func (h *Hub) AdminAddr() string {
	if h.adminLn == nil {
		return ""
	}
	return h.adminLn.Addr().String()
}

// Shutdown stops accepting, closes every connection, and waits for the
// connection goroutines. Runner and scheduler teardown stay with main,
// which owns the full stop order.
func (h *Hub) Shutdown(ctx context.Context) error {
	if h.cancelBg != nil {
		h.cancelBg()
	}
	if h.clientSrv != nil {
		_ = h.clientSrv.Shutdown(ctx)
	}
	if h.adminSrv != nil {
		_ = h.adminSrv.Shutdown(ctx)
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	admins := make([]*adminClient, 0, len(h.admins))
	for _, a := range h.admins {
		admins = append(admins, a)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
	for _, a := range admins {
		a.shutdown()
	}

	_ = h.interventions.Stop(ctx)
	_ = h.lockout.Stop(ctx)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Connection index ---

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectedClients.Inc()
	}
	h.log.Debug("client connected", "conn", c.id, "addr", c.remoteAddr)
}

// dropClient runs once per connection as its read loop exits: the
// subscription index, pending tool routes, interventions, and push
// device presence all forget the connection.
func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for agentID := range c.subscribed {
		if set := h.subs[agentID]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.subs, agentID)
			}
		}
	}
	deviceID := c.deviceID
	h.mu.Unlock()

	h.failRoutesFor(c.id)
	h.interventions.ReleaseClient(c.id)
	if deviceID != "" && h.push != nil {
		h.push.Devices().Disconnected(deviceID, c.id)
	}
	if h.metrics != nil {
		h.metrics.ConnectedClients.Dec()
	}
	h.log.Debug("client disconnected", "conn", c.id)
}

func (h *Hub) finishAuth(c *Client, deviceID string) {
	h.mu.Lock()
	c.deviceID = deviceID
	h.mu.Unlock()
	c.authed.Store(true)
	if deviceID != "" && h.push != nil {
		h.push.Devices().Connected(deviceID, c.id)
	}
}

// --- Auth ---

// authorize applies the auth rules shared by both planes: loopback
// bypass when configured, then a constant time token compare.
func (h *Hub) authorize(addr, token, secret string) bool {
	if h.bypassLoopback() && isLoopbackAddr(addr) {
		return true
	}
	return constantTimeEqual(token, secret)
}

// constantTimeEqual burns a compare against a same-length dummy when the
// lengths differ, so timing does not separate wrong-length from
// wrong-content tokens.
func constantTimeEqual(token, secret string) bool {
	tb, sb := []byte(token), []byte(secret)
	if len(tb) != len(sb) {
		subtle.ConstantTimeCompare(tb, make([]byte, len(tb)))
		return false
	}
	return subtle.ConstantTimeCompare(tb, sb) == 1
}

func isLoopbackAddr(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// --- Config accessors ---

func (h *Hub) clientToken() string {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg.AuthToken
}

func (h *Hub) adminToken() string {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg.AdminToken
}

func (h *Hub) hubName() string {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg.Name
}

func (h *Hub) bypassLoopback() bool {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg.LocalhostBypassAuth
}

func (h *Hub) pushEnabled() bool {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg.Push.Enabled
}

func (h *Hub) pushAvailable() bool { return h.push != nil && h.pushEnabled() }

func (h *Hub) vapidKey() string {
	if !h.pushAvailable() {
		return ""
	}
	return h.push.PublicKey()
}

// --- Agent lifecycle plumbing ---

// persistRunner saves a runner's snapshot. Best effort: failures log and
// the next trigger retries.
func (h *Hub) persistRunner(r *agent.Runner) {
	if err := h.store.SaveSession(r.ID(), r.Serialize()); err != nil {
		h.log.Error("session save failed", "agent", r.ID(), "error", err)
		if h.metrics != nil {
			h.metrics.RecordError("store", "save")
		}
	}
}

// PersistAll snapshots every runner, used by the final save on shutdown.
func (h *Hub) PersistAll() {
	for _, r := range h.registry.List() {
		h.persistRunner(r)
	}
}

// removeAgent kills a runner and erases every trace of it: event watch,
// schedules, browser session, subscriptions, disk state. The kill event
// still reaches subscribers because the watcher detaches after Remove.
func (h *Hub) removeAgent(agentID string) error {
	if _, ok := h.registry.Remove(agentID); !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	h.unwatchRunner(agentID)
	h.sched.RemoveAllForAgent(agentID)
	if h.browser != nil {
		_ = h.browser.CloseSession(agentID)
	}
	h.dropAgentSubscriptions(agentID)
	if err := h.store.Delete(agentID); err != nil {
		h.log.Warn("agent disk state not fully removed", "agent", agentID, "error", err)
	}
	h.log.Info("agent removed", "agent", agentID)
	return nil
}

// revive places a restored runner into its persisted lifecycle. Running
// agents restart, which resumes a turn when the conversation ends in an
// unanswered user message; paused and terminal agents keep their state
// with no side effects.
func (h *Hub) revive(r *agent.Runner, lifecycle agent.State) {
	switch lifecycle {
	case agent.StateRunning:
		if err := r.Start(); err != nil {
			h.log.Warn("restored agent failed to start", "agent", r.ID(), "error", err)
		}
	case agent.StatePending, "":
		// Stays pending until a client starts it.
	default:
		if err := r.RestoreState(lifecycle); err != nil {
			h.log.Warn("lifecycle restore failed",
				"agent", r.ID(), "state", lifecycle, "error", err)
		}
	}
}

// RestoreFromDisk loads every persisted agent at boot. Corrupt sessions
// are skipped, not fatal; schedules from all snapshots reload in one
// pass.
func (h *Hub) RestoreFromDisk() (int, error) {
	ids, err := h.store.List()
	if err != nil {
		return 0, fmt.Errorf("list agent store: %w", err)
	}
	var entries []schedule.Entry
	restored := 0
	for _, id := range ids {
		snap, err := h.store.LoadSession(id)
		if err != nil {
			h.log.Warn("skipping unreadable session", "agent", id, "error", err)
			continue
		}
		r, err := h.registry.Restore(snap)
		if err != nil {
			h.log.Warn("session restore failed", "agent", id, "error", err)
			continue
		}
		h.watchRunner(r)
		h.revive(r, snap.Lifecycle)
		for _, e := range snap.Schedules {
			if e.AgentID == "" {
				e.AgentID = id
			}
			entries = append(entries, e)
		}
		restored++
	}
	if len(entries) > 0 {
		h.sched.Restore(entries)
	}
	if restored > 0 {
		h.log.Info("agents restored from disk", "count", restored)
	}
	return restored, nil
}

// flushIntervention lands an ended session's marker and journal in the
// agent's conversation as an info message.
func (h *Hub) flushIntervention(agentID, text string) {
	r, ok := h.registry.Get(agentID)
	if !ok {
		return
	}
	r.QueueInfo(text)
	go h.persistRunner(r)
}

// --- Config reload ---

// ApplyConfig folds the reloadable subset of a validated config into the
// running one and returns the keys that changed. Keys the daemon cannot
// apply live are logged and kept at their running values.
func (h *Hub) ApplyConfig(next *config.Config) []string {
	if next == nil {
		return nil
	}
	var changed []string

	h.cfgMu.Lock()
	cur := h.cfg
	if cur.LogLevel != next.LogLevel {
		cur.LogLevel = next.LogLevel
		if h.levelVar != nil {
			h.levelVar.Set(observability.ParseLevel(next.LogLevel))
		}
		changed = append(changed, "logLevel")
	}
	if cur.AuthToken != next.AuthToken {
		cur.AuthToken = next.AuthToken
		changed = append(changed, "authToken")
	}
	if cur.AdminToken != next.AdminToken {
		cur.AdminToken = next.AdminToken
		changed = append(changed, "adminToken")
	}
	if cur.LocalhostBypassAuth != next.LocalhostBypassAuth {
		cur.LocalhostBypassAuth = next.LocalhostBypassAuth
		changed = append(changed, "localhostBypassAuth")
	}
	if cur.Tools.Bash.Enabled != next.Tools.Bash.Enabled {
		cur.Tools.Bash.Enabled = next.Tools.Bash.Enabled
		changed = append(changed, "tools.bash.enabled")
	}
	if cur.Tools.Filesystem.Enabled != next.Tools.Filesystem.Enabled {
		cur.Tools.Filesystem.Enabled = next.Tools.Filesystem.Enabled
		changed = append(changed, "tools.filesystem.enabled")
	}
	if cur.Tools.Browse.Enabled != next.Tools.Browse.Enabled {
		cur.Tools.Browse.Enabled = next.Tools.Browse.Enabled
		changed = append(changed, "tools.browse.enabled")
	}
	if cur.Push.Enabled != next.Push.Enabled {
		cur.Push.Enabled = next.Push.Enabled
		changed = append(changed, "push.enabled")
	}
	gate := disabledToolNames(cur)
	restartOnly := restartOnlyChanges(cur, next)
	h.cfgMu.Unlock()

	h.pipeline.SetDisabled(gate)
	for _, key := range restartOnly {
		h.log.Warn("config change requires restart", "key", key)
	}
	if len(changed) > 0 {
		h.log.Info("config reloaded", "changed", changed)
	}
	return changed
}

// restartOnlyChanges names changed keys that cannot be applied live.
func restartOnlyChanges(cur, next *config.Config) []string {
	var keys []string
	if cur.Host != next.Host {
		keys = append(keys, "host")
	}
	if cur.Port != next.Port {
		keys = append(keys, "port")
	}
	if cur.AdminPort != next.AdminPort {
		keys = append(keys, "adminPort")
	}
	if cur.Name != next.Name {
		keys = append(keys, "name")
	}
	if cur.SandboxPath != next.SandboxPath {
		keys = append(keys, "sandboxPath")
	}
	if cur.AgentStorePath != next.AgentStorePath {
		keys = append(keys, "agentStorePath")
	}
	if cur.SkillsPath != next.SkillsPath {
		keys = append(keys, "skillsPath")
	}
	if cur.Push.VapidEmail != next.Push.VapidEmail {
		keys = append(keys, "push.vapidEmail")
	}
	if cur.LLM != next.LLM {
		keys = append(keys, "llm")
	}
	return keys
}

// disabledToolNames maps config toggles to registered tool names.
func disabledToolNames(cfg *config.Config) []string {
	var names []string
	if !cfg.Tools.Bash.Enabled {
		names = append(names, "bash")
	}
	if !cfg.Tools.Filesystem.Enabled {
		names = append(names, "filesystem")
	}
	if !cfg.Tools.Browse.Enabled {
		names = append(names, "browse")
	}
	return names
}

// redactedConfig marshals the effective config with secrets masked.
func (h *Hub) redactedConfig() (json.RawMessage, error) {
	h.cfgMu.RLock()
	cp := *h.cfg
	h.cfgMu.RUnlock()
	if cp.AuthToken != "" {
		cp.AuthToken = redacted
	}
	if cp.AdminToken != "" {
		cp.AdminToken = redacted
	}
	if cp.LLM.APIKey != "" {
		cp.LLM.APIKey = redacted
	}
	return json.Marshal(&cp)
}

// --- Hub agent ids ---

var hubIDJunk = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// newHubAgentID derives the hub-side id for a promoted agent:
// "hub-<sanitized local id>-<short uuid>".
func newHubAgentID(localID string) string {
	base := hubIDJunk.ReplaceAllString(localID, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "agent"
	}
	if len(base) > 32 {
		base = base[:32]
	}
	return "hub-" + base + "-" + uuid.NewString()[:8]
}

// --- Scheduler gateway ---

// Gateway adapts the registry and tool pipeline to the scheduler's view
// of agents. It is separate from Hub because the scheduler is built
// first.
type Gateway struct {
	reg  *agent.Registry
	exec *tools.Pipeline
}

func NewGateway(reg *agent.Registry, exec *tools.Pipeline) *Gateway {
	return &Gateway{reg: reg, exec: exec}
}

func (g *Gateway) AgentStatus(agentID string) (running, busy, ok bool) {
	r, found := g.reg.Get(agentID)
	if !found {
		return false, false, false
	}
	return r.State() == agent.StateRunning, r.Busy(), true
}

func (g *Gateway) SendMessage(agentID, text string) error {
	r, ok := g.reg.Get(agentID)
	if !ok {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return r.SendText(text)
}

func (g *Gateway) EnqueueInfo(agentID, text string) {
	if r, ok := g.reg.Get(agentID); ok {
		r.QueueInfo(text)
	}
}

func (g *Gateway) ExecuteTool(ctx context.Context, agentID, tool string, input json.RawMessage) (string, bool, error) {
	outcome := g.exec.ExecuteTool(ctx, agentID, tool, input)
	return flattenBlocks(outcome.Content), outcome.IsError, nil
}

// flattenBlocks joins a tool outcome's text blocks for the scheduler's
// run journal.
func flattenBlocks(blocks []agent.Block) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
