package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/observability"
	"github.com/haasonsaas/agenthub/internal/protocol"
	"github.com/haasonsaas/agenthub/internal/ratelimit"
	"github.com/haasonsaas/agenthub/internal/schedule"
)

const (
	adminReadLimit  = 1 << 20
	adminSendBuffer = 128

	redacted = "[REDACTED]"
)

// adminClient is one connection on the operator plane. Same shape as
// Client but with its own auth token, a smaller read limit, and no agent
// subscriptions.
type adminClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	id         string
	remoteAddr string

	authed atomic.Bool

	closeOnce sync.Once
	done      chan struct{}

	logMu    sync.Mutex
	logUnsub func()
}

func (h *Hub) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("admin upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}
	a := &adminClient{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, adminSendBuffer),
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		done:       make(chan struct{}),
	}
	h.mu.Lock()
	h.admins[a.id] = a
	h.mu.Unlock()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		a.run()
	}()
}

func (a *adminClient) run() {
	defer func() {
		a.shutdown()
		a.clearLogTap()
		a.hub.mu.Lock()
		delete(a.hub.admins, a.id)
		a.hub.mu.Unlock()
	}()
	go a.writeLoop()
	a.readLoop()
}

func (a *adminClient) readLoop() {
	a.conn.SetReadLimit(adminReadLimit)
	_ = a.conn.SetReadDeadline(time.Now().Add(pongWait))
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, data, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		a.handleFrame(data)
		select {
		case <-a.done:
			return
		default:
		}
	}
}

func (a *adminClient) handleFrame(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			a.hub.log.Error("panic handling admin frame",
				"conn", a.id, "panic", rec, "stack", string(debug.Stack()))
			a.sendError("", "internal error", CodeInternal)
		}
	}()

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		a.sendError("", err.Error(), CodeValidation)
		return
	}
	if err := protocol.ValidateAdminFrame(env.Type, data); err != nil {
		a.sendError(env.ID, err.Error(), CodeValidation)
		return
	}
	if !a.authed.Load() {
		a.handleAuth(env, data)
		return
	}
	a.hub.dispatchAdmin(a, env, data)
}

func (a *adminClient) handleAuth(env protocol.Envelope, data []byte) {
	if env.Type != protocol.TypeAdminAuth {
		a.sendError(env.ID, "authentication required", CodeAuth)
		a.shutdown()
		return
	}
	var msg protocol.AdminAuth
	if err := json.Unmarshal(data, &msg); err != nil {
		a.sendError(env.ID, "invalid admin_auth frame", CodeValidation)
		a.shutdown()
		return
	}

	addr := ratelimit.CanonicalAddr(a.remoteAddr)
	if locked, _ := a.hub.lockout.Locked(addr); locked {
		a.enqueueFrame(protocol.NewAuthResult(env.ID, false, lockedOutMsg))
		a.shutdown()
		return
	}
	if !a.hub.authorize(addr, msg.Token, a.hub.adminToken()) {
		a.hub.lockout.RecordFailure(addr)
		if a.hub.metrics != nil {
			a.hub.metrics.RecordAuthFailure()
		}
		a.hub.log.Warn("admin auth failed", "conn", a.id, "addr", addr)
		a.enqueueFrame(protocol.NewAuthResult(env.ID, false, "invalid token"))
		a.shutdown()
		return
	}

	a.hub.lockout.Reset(addr)
	a.authed.Store(true)
	res := protocol.NewAuthResult(env.ID, true, "")
	res.ClientID = a.id
	res.HubName = a.hub.hubName()
	a.enqueueFrame(res)
	a.hub.log.Info("admin authenticated", "conn", a.id, "addr", addr)
}

func (a *adminClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		a.conn.Close()
	}()
	for {
		select {
		case <-a.done:
			a.drain()
			_ = a.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case data := <-a.send:
			if !a.write(data) {
				return
			}
		case <-ticker.C:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *adminClient) write(data []byte) bool {
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return a.conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (a *adminClient) drain() {
	for {
		select {
		case data := <-a.send:
			if !a.write(data) {
				return
			}
		default:
			return
		}
	}
}

func (a *adminClient) shutdown() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *adminClient) enqueueFrame(frame any) {
	data, err := protocol.Marshal(frame)
	if err != nil {
		a.hub.log.Error("admin frame encode failed", "conn", a.id, "error", err)
		return
	}
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.send <- data:
	default:
		a.hub.log.Warn("admin send buffer overflow, dropping connection", "conn", a.id)
		a.shutdown()
	}
}

func (a *adminClient) sendError(id, message, code string) {
	a.enqueueFrame(protocol.NewError(id, message, code))
}

func (a *adminClient) setLogTap(unsub func()) {
	a.logMu.Lock()
	prev := a.logUnsub
	a.logUnsub = unsub
	a.logMu.Unlock()
	if prev != nil {
		prev()
	}
}

func (a *adminClient) clearLogTap() {
	a.setLogTap(nil)
}

// --- Operations ---

func (h *Hub) dispatchAdmin(a *adminClient, env protocol.Envelope, raw []byte) {
	switch env.Type {
	case protocol.TypeAdminAuth:
		a.sendError(env.ID, "already authenticated", CodeValidation)
	case protocol.TypeListAgents:
		h.adminListAgents(a, env)
	case protocol.TypeInspectAgent:
		h.adminInspectAgent(a, env, raw)
	case protocol.TypePauseAgent:
		h.adminAgentOp(a, env, raw, (*agent.Runner).Pause, "paused")
	case protocol.TypeStopAgent:
		h.adminAgentOp(a, env, raw, (*agent.Runner).Stop, "stopped")
	case protocol.TypeKillAgent:
		h.adminAgentOp(a, env, raw, (*agent.Runner).Kill, "killed")
	case protocol.TypeRemoveAgent:
		h.adminRemoveAgent(a, env, raw)
	case protocol.TypeListConnections:
		h.adminListConnections(a, env)
	case protocol.TypeDisconnect:
		h.adminDisconnect(a, env, raw)
	case protocol.TypeGetConfig:
		h.adminGetConfig(a, env)
	case protocol.TypeReloadConfig:
		h.adminReloadConfig(a, env)
	case protocol.TypeSubscribeLogs:
		h.adminSubscribeLogs(a, env, raw)
	case protocol.TypeGetStats:
		h.adminGetStats(a, env)
	case protocol.TypeGetUsage:
		h.adminGetUsage(a, env)
	case protocol.TypeGetAgentSchedules:
		h.adminAgentSchedules(a, env, raw)
	case protocol.TypeGetAgentLog:
		h.adminAgentLog(a, env, raw)
	case protocol.TypeGetAgentDom:
		h.adminAgentDom(a, env, raw)
	case protocol.TypeNuke:
		h.adminNuke(a, env, raw)
	default:
		a.sendError(env.ID, "unknown message type: "+env.Type, CodeValidation)
	}
}

func (h *Hub) adminListAgents(a *adminClient, env protocol.Envelope) {
	runners := h.registry.List()
	rows := make([]protocol.AdminAgentSummary, 0, len(runners))
	for _, r := range runners {
		cfg := r.Config()
		u := r.Usage()
		rows = append(rows, protocol.AdminAgentSummary{
			AgentID:     r.ID(),
			Name:        cfg.Name,
			Model:       cfg.Model,
			State:       r.State(),
			Busy:        r.Busy(),
			InboxLen:    r.InboxLen(),
			Subscribers: h.subscriberCount(r.ID()),
			TotalTokens: u.TotalTokens,
			TotalCost:   u.CostUSD,
			CreatedAt:   r.CreatedAt(),
		})
	}
	a.enqueueFrame(&protocol.AgentsList{
		Envelope: reply(protocol.TypeAgentsList, env.ID),
		Agents:   rows,
	})
}

func (h *Hub) adminInspectAgent(a *adminClient, env protocol.Envelope, raw []byte) {
	r, ok := h.adminResolveAgent(a, env, raw)
	if !ok {
		return
	}
	a.enqueueFrame(&protocol.AgentInfo{
		Envelope:      reply(protocol.TypeAgentInfo, env.ID),
		AgentID:       r.ID(),
		Config:        r.Config(),
		State:         r.State(),
		Busy:          r.Busy(),
		Usage:         r.Usage(),
		InboxLen:      r.InboxLen(),
		Subscribers:   h.subscriberCount(r.ID()),
		ScheduleCount: len(h.sched.Schedules(r.ID())),
		Messages:      len(r.History()),
	})
}

func (h *Hub) adminAgentOp(a *adminClient, env protocol.Envelope, raw []byte, op func(*agent.Runner) error, verb string) {
	r, ok := h.adminResolveAgent(a, env, raw)
	if !ok {
		return
	}
	if err := op(r); err != nil {
		a.sendError(env.ID, err.Error(), CodeValidation)
		return
	}
	a.enqueueFrame(protocol.NewOK(env.ID, verb+" "+r.ID()))
	go h.persistRunner(r)
}

func (h *Hub) adminRemoveAgent(a *adminClient, env protocol.Envelope, raw []byte) {
	var msg protocol.AdminAgentOp
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.sendError(env.ID, "invalid frame", CodeValidation)
		return
	}
	if err := h.removeAgent(msg.AgentID); err != nil {
		a.sendError(env.ID, err.Error(), CodeNotFound)
		return
	}
	a.enqueueFrame(protocol.NewOK(env.ID, "removed "+msg.AgentID))
}

func (h *Hub) adminListConnections(a *adminClient, env protocol.Envelope) {
	h.mu.Lock()
	rows := make([]protocol.ConnectionSummary, 0, len(h.clients))
	for _, c := range h.clients {
		subs := make([]string, 0, len(c.subscribed))
		for id := range c.subscribed {
			subs = append(subs, id)
		}
		sort.Strings(subs)
		rows = append(rows, protocol.ConnectionSummary{
			ID:               c.id,
			RemoteAddr:       c.remoteAddr,
			Authenticated:    c.authed.Load(),
			SubscribedAgents: subs,
			DeviceID:         c.deviceID,
			ConnectedAt:      c.connectedAt,
		})
	}
	h.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].ConnectedAt.Before(rows[j].ConnectedAt) })
	a.enqueueFrame(&protocol.ConnectionsList{
		Envelope:    reply(protocol.TypeConnectionsList, env.ID),
		Connections: rows,
	})
}

func (h *Hub) adminDisconnect(a *adminClient, env protocol.Envelope, raw []byte) {
	var msg protocol.Disconnect
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.sendError(env.ID, "invalid frame", CodeValidation)
		return
	}
	h.mu.Lock()
	c := h.clients[msg.ConnectionID]
	h.mu.Unlock()
	if c == nil {
		a.sendError(env.ID, "connection not found: "+msg.ConnectionID, CodeNotFound)
		return
	}
	c.shutdown()
	a.enqueueFrame(protocol.NewOK(env.ID, "disconnected "+msg.ConnectionID))
}

func (h *Hub) adminGetConfig(a *adminClient, env protocol.Envelope) {
	data, err := h.redactedConfig()
	if err != nil {
		a.sendError(env.ID, err.Error(), CodeInternal)
		return
	}
	a.enqueueFrame(&protocol.ConfigPayload{
		Envelope: reply(protocol.TypeConfig, env.ID),
		Config:   data,
	})
}

func (h *Hub) adminReloadConfig(a *adminClient, env protocol.Envelope) {
	if h.reload == nil {
		a.sendError(env.ID, "config reload unavailable", CodeValidation)
		return
	}
	next, err := h.reload()
	if err != nil {
		a.sendError(env.ID, err.Error(), CodeValidation)
		return
	}
	changed := h.ApplyConfig(next)
	a.enqueueFrame(&protocol.ConfigReloaded{
		Envelope: reply(protocol.TypeConfigReloaded, env.ID),
		Changed:  changed,
	})
}

func (h *Hub) adminSubscribeLogs(a *adminClient, env protocol.Envelope, raw []byte) {
	if h.logBus == nil {
		a.sendError(env.ID, "log streaming unavailable", CodeValidation)
		return
	}
	var msg protocol.SubscribeLogs
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.sendError(env.ID, "invalid frame", CodeValidation)
		return
	}
	min := observability.ParseLevel(msg.Level)
	id, ch := h.logBus.Subscribe(256)
	a.setLogTap(func() { h.logBus.Unsubscribe(id) })
	go a.forwardLogs(ch, min)
	a.enqueueFrame(protocol.NewOK(env.ID, "log stream subscribed"))
}

// forwardLogs runs until the bus closes the channel, which happens at
// unsubscribe or hub shutdown.
func (a *adminClient) forwardLogs(ch <-chan observability.LogEntry, min slog.Level) {
	for entry := range ch {
		if observability.ParseLevel(entry.Level) < min {
			continue
		}
		attrs := make(map[string]any, len(entry.Attrs))
		for k, v := range entry.Attrs {
			attrs[k] = v
		}
		a.enqueueFrame(&protocol.LogEntry{
			Envelope: protocol.Envelope{Type: protocol.TypeLogEntry},
			Time:     entry.Time,
			Level:    entry.Level,
			Message:  entry.Message,
			Attrs:    attrs,
		})
	}
}

func (h *Hub) adminGetStats(a *adminClient, env protocol.Envelope) {
	var snap observability.StatsSnapshot
	if h.metrics != nil {
		snap = h.metrics.Snapshot()
	}
	a.enqueueFrame(&protocol.Stats{
		Envelope: reply(protocol.TypeStats, env.ID),
		Stats:    snap,
	})
}

func (h *Hub) adminGetUsage(a *adminClient, env protocol.Envelope) {
	runners := h.registry.List()
	rows := make([]protocol.AgentUsage, 0, len(runners))
	var tokens int64
	var cost float64
	for _, r := range runners {
		u := r.Usage()
		rows = append(rows, protocol.AgentUsage{
			AgentID:     r.ID(),
			Name:        r.Config().Name,
			TotalTokens: u.TotalTokens,
			TotalCost:   u.CostUSD,
		})
		tokens += u.TotalTokens
		cost += u.CostUSD
	}
	a.enqueueFrame(&protocol.Usage{
		Envelope:    reply(protocol.TypeUsage, env.ID),
		Agents:      rows,
		TotalTokens: tokens,
		TotalCost:   cost,
	})
}

func (h *Hub) adminAgentSchedules(a *adminClient, env protocol.Envelope, raw []byte) {
	r, ok := h.adminResolveAgent(a, env, raw)
	if !ok {
		return
	}
	entries := h.sched.Schedules(r.ID())
	if entries == nil {
		entries = []schedule.Entry{}
	}
	a.enqueueFrame(&protocol.AgentSchedules{
		Envelope:  reply(protocol.TypeAgentSchedules, env.ID),
		AgentID:   r.ID(),
		Schedules: entries,
	})
}

func (h *Hub) adminAgentLog(a *adminClient, env protocol.Envelope, raw []byte) {
	var msg protocol.GetAgentLog
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.sendError(env.ID, "invalid frame", CodeValidation)
		return
	}
	r, ok := h.registry.Get(msg.AgentID)
	if !ok {
		a.sendError(env.ID, "agent not found: "+msg.AgentID, CodeNotFound)
		return
	}
	limit := msg.Limit
	if limit <= 0 {
		limit = 100
	}
	msgs := r.History()
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []agent.Message{}
	}
	a.enqueueFrame(&protocol.AgentLog{
		Envelope: reply(protocol.TypeAgentLog, env.ID),
		AgentID:  r.ID(),
		Messages: msgs,
	})
}

func (h *Hub) adminAgentDom(a *adminClient, env protocol.Envelope, raw []byte) {
	r, ok := h.adminResolveAgent(a, env, raw)
	if !ok {
		return
	}
	frame := &protocol.AgentDom{
		Envelope: reply(protocol.TypeAgentDom, env.ID),
		AgentID:  r.ID(),
	}
	if dom, ok := r.Dom().Get(); ok {
		frame.Dom = &dom
	}
	a.enqueueFrame(frame)
}

// adminNuke removes every agent: runners, schedules, browser sessions,
// disk state. Confirm must be true; the schema enforces it too.
func (h *Hub) adminNuke(a *adminClient, env protocol.Envelope, raw []byte) {
	var msg protocol.Nuke
	if err := json.Unmarshal(raw, &msg); err != nil || !msg.Confirm {
		a.sendError(env.ID, "nuke requires confirm: true", CodeValidation)
		return
	}
	ids := h.registry.RemoveAll()
	for _, id := range ids {
		h.unwatchRunner(id)
		h.sched.RemoveAllForAgent(id)
		if h.browser != nil {
			_ = h.browser.CloseSession(id)
		}
		h.dropAgentSubscriptions(id)
	}
	if _, err := h.store.DeleteAll(); err != nil {
		h.log.Warn("nuke disk cleanup incomplete", "error", err)
	}
	h.log.Warn("nuke executed", "agents", len(ids), "admin", a.id)
	a.enqueueFrame(protocol.NewOK(env.ID, fmt.Sprintf("removed %d agents", len(ids))))
}

// adminResolveAgent decodes the common {agentId} op shape and resolves
// the runner, emitting the error frame itself on failure.
func (h *Hub) adminResolveAgent(a *adminClient, env protocol.Envelope, raw []byte) (*agent.Runner, bool) {
	var msg protocol.AdminAgentOp
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.sendError(env.ID, "invalid frame", CodeValidation)
		return nil, false
	}
	r, ok := h.registry.Get(msg.AgentID)
	if !ok {
		a.sendError(env.ID, "agent not found: "+msg.AgentID, CodeNotFound)
		return nil, false
	}
	return r, true
}
