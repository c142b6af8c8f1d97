package hub

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/protocol"
	"github.com/haasonsaas/agenthub/internal/push"
	"github.com/haasonsaas/agenthub/internal/tools"
)

// --- Subscription index ---

func (h *Hub) addSubscription(c *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.subscribed[agentID] = struct{}{}
	set := h.subs[agentID]
	if set == nil {
		set = make(map[string]*Client)
		h.subs[agentID] = set
	}
	set[c.id] = c
}

func (h *Hub) removeSubscription(c *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.subscribed, agentID)
	if set := h.subs[agentID]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.subs, agentID)
		}
	}
}

// dropAgentSubscriptions clears every client's subscription to a removed
// agent so no connection keeps referencing a dead id.
func (h *Hub) dropAgentSubscriptions(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.subs[agentID] {
		delete(c.subscribed, agentID)
	}
	delete(h.subs, agentID)
}

func (h *Hub) isSubscribed(c *Client, agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := c.subscribed[agentID]
	return ok
}

// subscribers returns an agent's subscribers, longest-connected first.
// The order makes tool routing deterministic.
func (h *Hub) subscribers(agentID string) []*Client {
	h.mu.Lock()
	set := h.subs[agentID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].connectedAt.Equal(out[j].connectedAt) {
			return out[i].id < out[j].id
		}
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

func (h *Hub) subscriberCount(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[agentID])
}

// --- Fanout ---

// fanout delivers one frame to every subscriber of an agent. The frame is
// encoded once; a client whose send buffer is full is dropped, the rest
// are unaffected.
func (h *Hub) fanout(agentID string, frame any) {
	h.fanoutExcept(agentID, "", frame)
}

// fanoutExcept skips one connection, used by write-throughs so the writer
// never sees its own update echoed back.
func (h *Hub) fanoutExcept(agentID, exceptConnID string, frame any) {
	subs := h.subscribers(agentID)
	if len(subs) == 0 {
		return
	}
	data, err := protocol.Marshal(frame)
	if err != nil {
		h.log.Error("fanout encode failed", "agent", agentID, "error", err)
		return
	}
	for _, c := range subs {
		if c.id == exceptConnID {
			continue
		}
		if !c.enqueue(data) {
			h.slowClient(c)
		}
	}
}

// slowClient drops a connection that cannot keep up with its event stream.
func (h *Hub) slowClient(c *Client) {
	if h.metrics != nil {
		h.metrics.RecordFanoutDrop()
	}
	h.log.Warn("send buffer overflow, dropping client", "conn", c.id)
	c.shutdown()
}

// --- Runner event bridge ---

// watchRunner fans a runner's event streams out to subscribers. Called
// once when the runner enters the registry; the unsubscribe pair is held
// until removal.
func (h *Hub) watchRunner(r *agent.Runner) {
	unsubEv := r.OnEvent(h.onRunnerEvent)
	unsubLoop := r.OnLoopEvent(func(ev agent.LoopEvent) {
		h.fanout(ev.AgentID, protocol.NewAgentLoopEvent(ev))
	})
	h.mu.Lock()
	h.watchers[r.ID()] = func() {
		unsubEv()
		unsubLoop()
	}
	h.mu.Unlock()
}

func (h *Hub) unwatchRunner(agentID string) {
	h.mu.Lock()
	unsub := h.watchers[agentID]
	delete(h.watchers, agentID)
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// onRunnerEvent translates one runner event to its wire frame. State
// changes ride agent_state, everything else agent_event; notify_user
// additionally goes to the push path.
func (h *Hub) onRunnerEvent(ev agent.RunnerEvent) {
	switch ev.Type {
	case agent.EventStateChange:
		busy := false
		if r, ok := h.registry.Get(ev.AgentID); ok {
			busy = r.Busy()
		}
		h.fanout(ev.AgentID, protocol.NewAgentState(ev.AgentID, ev.State, busy))
	default:
		h.fanout(ev.AgentID, protocol.NewAgentEvent(ev))
	}

	h.interventions.Observe(ev.AgentID, journalLine(ev))

	if ev.Type == agent.EventNotifyUser && ev.Notify != nil {
		h.dispatchPush(ev.AgentID, *ev.Notify)
	}
}

func (h *Hub) dispatchPush(agentID string, n agent.Notification) {
	if h.push == nil || !h.pushEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.push.Dispatch(ctx, push.Payload{
			Title:   n.Title,
			Body:    n.Body,
			Tag:     n.Tag,
			AgentID: agentID,
		})
	}()
}

// journalLine renders a runner event as one line for visible intervention
// journals.
func journalLine(ev agent.RunnerEvent) string {
	switch ev.Type {
	case agent.EventStateChange:
		return "state: " + string(ev.State)
	case agent.EventMessage:
		if ev.Message == nil {
			return ""
		}
		return ev.Message.Role + ": " + firstText(ev.Message.Content, 120)
	case agent.EventError:
		return "error: " + ev.Error
	case agent.EventNotifyUser:
		if ev.Notify == nil {
			return ""
		}
		return "notify: " + ev.Notify.Title
	default:
		return ""
	}
}

func firstText(blocks []agent.Block, max int) string {
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			return truncate(b.Text, max)
		}
	}
	if len(blocks) > 0 {
		return "[" + blocks[0].Type + "]"
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// --- Client-routed tool calls ---

type routeAnswer struct {
	result  json.RawMessage
	isError bool
	err     error
}

type routePending struct {
	agentID string
	connID  string
	ch      chan routeAnswer
}

// RouteToolCall implements tools.ClientRouter: it forwards an
// agent-declared tool call to one subscribed client and blocks until the
// browser_tool_result frame answers or ctx expires. The pipeline owns the
// deadline.
func (h *Hub) RouteToolCall(ctx context.Context, agentID, tool string, input json.RawMessage) (json.RawMessage, bool, error) {
	target := h.routeTarget(agentID)
	if target == nil {
		return nil, false, tools.ErrNoClient
	}

	reqID := uuid.NewString()
	pending := &routePending{
		agentID: agentID,
		connID:  target.id,
		ch:      make(chan routeAnswer, 1),
	}
	h.routesMu.Lock()
	h.routes[reqID] = pending
	h.routesMu.Unlock()
	defer func() {
		h.routesMu.Lock()
		delete(h.routes, reqID)
		h.routesMu.Unlock()
	}()

	target.enqueueFrame(&protocol.BrowserToolRequest{
		Envelope:  protocol.Envelope{Type: protocol.TypeBrowserToolRequest},
		AgentID:   agentID,
		RequestID: reqID,
		Tool:      tool,
		Input:     input,
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case ans := <-pending.ch:
		if ans.err != nil {
			return nil, false, ans.err
		}
		return ans.result, ans.isError, nil
	}
}

// routeTarget picks the executing client: the intervention owner when one
// holds the agent, otherwise the longest-connected subscriber.
func (h *Hub) routeTarget(agentID string) *Client {
	if owner, ok := h.interventions.Owner(agentID); ok {
		h.mu.Lock()
		c := h.clients[owner]
		h.mu.Unlock()
		if c != nil {
			return c
		}
	}
	subs := h.subscribers(agentID)
	if len(subs) == 0 {
		return nil
	}
	return subs[0]
}

// resolveRoute completes a pending routed call. Unknown or stale request
// ids are dropped silently; a late result after timeout lands here.
func (h *Hub) resolveRoute(reqID, agentID string, result json.RawMessage, isError bool) {
	h.routesMu.Lock()
	p, ok := h.routes[reqID]
	if ok && p.agentID != agentID {
		ok = false
	}
	if ok {
		delete(h.routes, reqID)
	}
	h.routesMu.Unlock()
	if !ok {
		return
	}
	select {
	case p.ch <- routeAnswer{result: result, isError: isError}:
	default:
	}
}

// failRoutesFor fails every pending call routed through a disconnecting
// client so the waiting turn gets its error now, not at timeout.
func (h *Hub) failRoutesFor(connID string) {
	h.routesMu.Lock()
	var failed []*routePending
	for id, p := range h.routes {
		if p.connID == connID {
			failed = append(failed, p)
			delete(h.routes, id)
		}
	}
	h.routesMu.Unlock()
	for _, p := range failed {
		select {
		case p.ch <- routeAnswer{err: tools.ErrNoClient}:
		default:
		}
	}
}
