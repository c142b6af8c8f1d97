package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/agenthub/internal/observability"
	"github.com/haasonsaas/agenthub/internal/schedule"
)

var (
	ErrTerminalState   = errors.New("agent is in a terminal state")
	ErrBudgetExhausted = errors.New("token or cost budget exhausted")
)

// RunnerDeps carries the runner's collaborators. Tools, Saver and Adapter
// are required in production; tests substitute fakes.
type RunnerDeps struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tools   ToolExecutor
	Saver   SnapshotSaver
	Adapter SendApiRequest

	// Schedules supplies the agent's schedule entries for snapshots.
	Schedules func(agentID string) []schedule.Entry

	// EscalationEvents receives escalation rules that carry no message;
	// the hub wires it to the scheduler event bus.
	EscalationEvents func(eventName, agentID string, data any)

	Quotas Quotas
	Now    func() time.Time
}

type inboxItem struct {
	kind   string // "message" | "info"
	blocks []Block
	text   string
}

// Runner drives one agent: lifecycle state machine, FIFO inbox, and the
// turn loop. One turn runs at a time; messages arriving mid-turn queue and
// drain at the next boundary.
type Runner struct {
	id   string
	deps RunnerDeps
	log  *slog.Logger

	events *fan[RunnerEvent]
	loop   *fan[LoopEvent]

	usage   *UsageMeter
	states  *StateStore
	storage *StorageStore
	dom     *DomMirror

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cfg       *AgentConfig
	state     State
	busy      bool
	inbox     []inboxItem
	conv      *Conversation
	createdAt time.Time

	turnWG sync.WaitGroup
}

// NewRunner builds a pending runner from config.
func NewRunner(cfg *AgentConfig, deps RunnerDeps) *Runner {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Quotas == (Quotas{}) {
		deps.Quotas = DefaultQuotas()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runner", "agent", cfg.ID)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		id:        cfg.ID,
		deps:      deps,
		log:       logger,
		events:    newFan[RunnerEvent](logger),
		loop:      newFan[LoopEvent](logger),
		usage:     NewUsageMeter(),
		states:    NewStateStore(deps.Quotas),
		storage:   NewStorageStore(deps.Quotas),
		dom:       NewDomMirror(),
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg.Clone(),
		state:     StatePending,
		conv:      NewConversation(),
		createdAt: deps.Now().UTC(),
	}
	r.states.SetSink(r.escalate)
	return r
}

// RestoreRunner rebuilds a pending runner from a snapshot. The caller
// decides whether to start it based on snap.Lifecycle.
func RestoreRunner(snap *SessionSnapshot, deps RunnerDeps) *Runner {
	r := NewRunner(snap.Config, deps)
	r.mu.Lock()
	r.conv = RestoreConversation(snap.Conversation)
	if !snap.Metadata.CreatedAt.IsZero() {
		r.createdAt = snap.Metadata.CreatedAt
	}
	r.mu.Unlock()
	r.usage.Restore(UsageTotals{
		TotalTokens: snap.Metadata.TotalTokens,
		CostUSD:     snap.Metadata.TotalCost,
	})
	r.states.Restore(snap.State, snap.EscalationRules)
	r.storage.Restore(snap.Storage)
	if snap.Dom != nil {
		r.dom.Set(*snap.Dom)
	}
	return r
}

func (r *Runner) escalate(rule EscalationRule, value json.RawMessage, changed bool) {
	if rule.Message != "" {
		if err := r.SendText(rule.Message); err != nil {
			r.log.Warn("escalation message dropped", "key", rule.Key, "error", err)
		}
		return
	}
	if r.deps.EscalationEvents != nil {
		r.deps.EscalationEvents(rule.Key, r.id, value)
	}
}

// ID returns the agent id.
func (r *Runner) ID() string { return r.id }

// Config returns the current config snapshot. Callers must not mutate it.
func (r *Runner) Config() *AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// UpdateConfig applies mut to a fresh copy and swaps it in. A turn in
// flight keeps the snapshot it started with.
func (r *Runner) UpdateConfig(mut func(*AgentConfig)) {
	r.mu.Lock()
	next := r.cfg.Clone()
	mut(next)
	next.ID = r.id
	r.cfg = next
	r.mu.Unlock()
}

// State returns the lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Busy reports whether a turn is in flight.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// InboxLen reports queued items.
func (r *Runner) InboxLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbox)
}

// CreatedAt returns when the agent was first created. Survives
// serialization.
func (r *Runner) CreatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt
}

// Usage returns accumulated token and cost totals.
func (r *Runner) Usage() UsageTotals { return r.usage.Totals() }

// StateStore returns the escalation-bearing key/value store.
func (r *Runner) StateStore() *StateStore { return r.states }

// Storage returns the general persistence store.
func (r *Runner) Storage() *StorageStore { return r.storage }

// Dom returns the DOM mirror container.
func (r *Runner) Dom() *DomMirror { return r.dom }

// History returns a deep copy of the conversation.
func (r *Runner) History() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyMessages(r.conv.Messages())
}

// OnEvent subscribes to lifecycle events; returns an unsubscribe func.
func (r *Runner) OnEvent(cb func(RunnerEvent)) func() { return r.events.subscribe(cb) }

// OnLoopEvent subscribes to per-turn streaming events.
func (r *Runner) OnLoopEvent(cb func(LoopEvent)) func() { return r.loop.subscribe(cb) }

// RestoreState places a freshly restored runner directly into its
// persisted lifecycle state. No events fire and no turn starts. Only
// valid while the runner is still pending; restored running agents go
// through Start instead so queued work resumes.
func (r *Runner) RestoreState(s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return fmt.Errorf("cannot restore lifecycle in state %s", r.state)
	}
	r.state = s
	return nil
}

// Start transitions pending -> running and begins any queued work.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.state != StatePending {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("cannot start agent in state %s", st)
	}
	r.state = StateRunning
	appended := r.startIfWorkLocked()
	r.mu.Unlock()

	r.emitState(StateRunning)
	for _, m := range appended {
		r.emitMessage(m)
	}
	r.persist()
	return nil
}

// Pause holds future triggers. An in-flight turn completes but does not
// dequeue.
func (r *Runner) Pause() error {
	r.mu.Lock()
	if r.state != StateRunning {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("cannot pause agent in state %s", st)
	}
	r.state = StatePaused
	r.mu.Unlock()

	r.emitState(StatePaused)
	r.persist()
	return nil
}

// Resume returns a paused runner to running and drains buffered messages.
func (r *Runner) Resume() error {
	r.mu.Lock()
	if r.state != StatePaused {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("cannot resume agent in state %s", st)
	}
	r.state = StateRunning
	appended := r.startIfWorkLocked()
	r.mu.Unlock()

	r.emitState(StateRunning)
	for _, m := range appended {
		r.emitMessage(m)
	}
	r.persist()
	return nil
}

// Stop ends the runner gracefully: an in-flight turn drains, running tools
// are not cancelled, and nothing further dequeues.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	r.mu.Unlock()

	r.emitState(StateStopped)
	r.persist()
	return nil
}

// Kill abandons any in-flight turn at the next suspension point and closes
// the runner.
func (r *Runner) Kill() error {
	r.mu.Lock()
	if r.state == StateKilled {
		r.mu.Unlock()
		return nil
	}
	r.state = StateKilled
	r.mu.Unlock()

	r.cancel()
	r.emitState(StateKilled)
	r.persist()
	return nil
}

// ResetError returns an errored runner to running so it can be driven
// again.
func (r *Runner) ResetError() error {
	r.mu.Lock()
	if r.state != StateError {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("cannot reset agent in state %s", st)
	}
	r.state = StateRunning
	appended := r.startIfWorkLocked()
	r.mu.Unlock()

	r.emitState(StateRunning)
	for _, m := range appended {
		r.emitMessage(m)
	}
	r.persist()
	return nil
}

// SendText is SendMessage with a single text block.
func (r *Runner) SendText(text string) error {
	return r.SendMessage([]Block{TextBlock(text)})
}

// SendMessage appends a user message and triggers a turn when idle. Busy or
// paused runners queue it; terminal states reject it.
func (r *Runner) SendMessage(content []Block) error {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminalState, r.id)
	}
	if r.busy || r.state != StateRunning {
		r.inbox = append(r.inbox, inboxItem{kind: "message", blocks: content})
		r.mu.Unlock()
		return nil
	}
	msg := r.appendLocked(Message{Role: "user", Content: content})
	r.busy = true
	r.turnWG.Add(1)
	go r.runTurn()
	r.mu.Unlock()

	r.emitMessage(msg)
	return nil
}

// QueueMessage appends to the inbox without ever starting a turn; the next
// boundary picks it up.
func (r *Runner) QueueMessage(content []Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, r.id)
	}
	r.inbox = append(r.inbox, inboxItem{kind: "message", blocks: content})
	return nil
}

// AddInfoMessage appends an info-role message immediately. Info is visible
// to subscribers and history but never sent to the LLM.
func (r *Runner) AddInfoMessage(text string) {
	r.mu.Lock()
	msg := r.appendLocked(Message{Role: "info", Content: []Block{TextBlock(text)}})
	r.mu.Unlock()
	r.emitMessage(msg)
}

// QueueInfo delivers an info message: immediately when idle, at the next
// boundary when a turn is in flight.
func (r *Runner) QueueInfo(text string) {
	r.mu.Lock()
	if r.busy {
		r.inbox = append(r.inbox, inboxItem{kind: "info", text: text})
		r.mu.Unlock()
		return
	}
	msg := r.appendLocked(Message{Role: "info", Content: []Block{TextBlock(text)}})
	r.mu.Unlock()
	r.emitMessage(msg)
}

// NotifyUser emits a notify_user event for the push layer.
func (r *Runner) NotifyUser(title, body, tag string) {
	r.events.emit(RunnerEvent{
		Type:    EventNotifyUser,
		AgentID: r.id,
		Notify:  &Notification{Title: title, Body: body, Tag: tag},
		Time:    r.deps.Now().UTC(),
	})
}

// startIfWorkLocked begins a turn when the runner is running, idle, and has
// either an unanswered trailing user message or a queued message. Returns
// messages appended during the dequeue for the caller to emit after
// unlocking.
func (r *Runner) startIfWorkLocked() []Message {
	if r.state != StateRunning || r.busy {
		return nil
	}
	if last, ok := r.conv.Last(); ok && last.Role == "user" {
		r.busy = true
		r.turnWG.Add(1)
		go r.runTurn()
		return nil
	}
	appended, started := r.dequeueLocked()
	if started {
		r.busy = true
		r.turnWG.Add(1)
		go r.runTurn()
	}
	return appended
}

// dequeueLocked drains leading info items and appends the first queued
// message. Returns the appended messages and whether a user message was
// among them.
func (r *Runner) dequeueLocked() ([]Message, bool) {
	var appended []Message
	for len(r.inbox) > 0 {
		item := r.inbox[0]
		r.inbox = r.inbox[1:]
		if item.kind == "info" {
			appended = append(appended, r.appendLocked(Message{Role: "info", Content: []Block{TextBlock(item.text)}}))
			continue
		}
		appended = append(appended, r.appendLocked(Message{Role: "user", Content: item.blocks}))
		return appended, true
	}
	return appended, false
}

// drainInfoLocked appends queued info items without consuming messages.
func (r *Runner) drainInfoLocked() []Message {
	var appended []Message
	for len(r.inbox) > 0 && r.inbox[0].kind == "info" {
		item := r.inbox[0]
		r.inbox = r.inbox[1:]
		appended = append(appended, r.appendLocked(Message{Role: "info", Content: []Block{TextBlock(item.text)}}))
	}
	return appended
}

func (r *Runner) appendLocked(m Message) Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = r.deps.Now().UTC()
	}
	r.conv.Append(m)
	return m
}

// runTurn executes turns until the inbox is drained or the lifecycle says
// otherwise. Runs on its own goroutine; at most one instance per runner.
func (r *Runner) runTurn() {
	defer r.turnWG.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("turn panicked", "panic", rec)
			r.recordTurn("panic")
			r.mu.Lock()
			r.busy = false
			r.state = StateError
			r.mu.Unlock()
			r.emitError(fmt.Sprintf("turn panicked: %v", rec))
			r.emitState(StateError)
			r.persist()
		}
	}()

	for r.turnOnce() {
	}
}

// turnOnce runs a single turn. Returns true when a queued message was
// dequeued and another turn should follow.
func (r *Runner) turnOnce() bool {
	r.mu.Lock()
	if r.state != StateRunning {
		r.busy = false
		r.mu.Unlock()
		return false
	}
	cfg := r.cfg
	r.mu.Unlock()

	// Budgets fail the turn before any network call.
	if r.usage.Exceeded(cfg) {
		r.log.Warn("budget exhausted", "totalTokens", r.usage.Totals().TotalTokens)
		r.recordTurn("budget_exhausted")
		r.mu.Lock()
		r.busy = false
		r.state = StateError
		r.mu.Unlock()
		r.emitError(ErrBudgetExhausted.Error())
		r.emitState(StateError)
		r.persist()
		return false
	}

	finalText, ok := r.runCycles(cfg)
	if !ok {
		return false
	}

	r.recordTurn("completed")
	if finalText != "" {
		r.NotifyUser(cfg.Name, truncate(finalText, 200), r.id)
	}

	r.mu.Lock()
	appended := r.drainInfoLocked()
	again := false
	if r.state == StateRunning {
		more, started := r.dequeueLocked()
		appended = append(appended, more...)
		again = started
	}
	if !again {
		r.busy = false
	}
	r.mu.Unlock()

	for _, m := range appended {
		r.emitMessage(m)
	}
	r.persist()
	return again
}

// runCycles drives request/tool-use cycles for one turn. Returns the final
// assistant text and whether the turn completed normally.
func (r *Runner) runCycles(cfg *AgentConfig) (string, bool) {
	ctx := r.ctx
	inToolCycle := false

	for {
		if ctx.Err() != nil {
			r.abandonTurn()
			return "", false
		}

		req := ApiRequest{
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			Messages:     r.llmView(),
			Tools:        r.declarations(cfg),
			MaxTokens:    cfg.MaxTokens,
		}

		started := r.deps.Now()
		final, err := r.deps.Adapter(ctx, cfg.Provider, req, r.forwardStream)
		if err != nil {
			if ctx.Err() != nil {
				r.abandonTurn()
				return "", false
			}
			r.log.Error("adapter request failed", "provider", cfg.Provider, "error", err)
			r.recordTurn("adapter_error")
			if r.deps.Metrics != nil {
				r.deps.Metrics.RecordError("runner", "adapter")
			}
			if inToolCycle {
				r.AddInfoMessage(fmt.Sprintf("LLM request failed mid turn: %v", err))
			}
			r.emitError(err.Error())
			r.mu.Lock()
			r.busy = false
			r.mu.Unlock()
			r.persist()
			return "", false
		}

		totals := r.usage.Record(cfg.Model, final.InputTokens, final.OutputTokens)
		if r.deps.Metrics != nil {
			r.deps.Metrics.RecordLLMRequest(cfg.Provider, cfg.Model, "ok",
				r.deps.Now().Sub(started).Seconds(), int(final.InputTokens), int(final.OutputTokens))
		}
		r.loop.emit(LoopEvent{Type: LoopUsage, AgentID: r.id, Usage: &totals})

		r.mu.Lock()
		msg := r.appendLocked(Message{Role: "assistant", Content: final.Content})
		r.mu.Unlock()
		r.emitMessage(msg)

		if final.StopReason != StopToolUse {
			return lastText(final.Content), true
		}

		inToolCycle = true
		results, aborted := r.executeToolUses(ctx, final.Content)
		if aborted {
			r.abandonTurn()
			return "", false
		}
		r.mu.Lock()
		resMsg := r.appendLocked(Message{Role: "user", Content: results})
		r.mu.Unlock()
		r.emitMessage(resMsg)
	}
}

// executeToolUses runs every tool_use block in order. Started tools run to
// completion; cancellation is observed between calls, and aborted results
// are discarded.
func (r *Runner) executeToolUses(ctx context.Context, blocks []Block) ([]Block, bool) {
	var results []Block
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		if ctx.Err() != nil {
			return nil, true
		}
		outcome := r.deps.Tools.ExecuteTool(context.WithoutCancel(ctx), r.id, b.Name, b.Input)
		res := ToolResultBlock(b.ID, outcome.Content, outcome.IsError)
		results = append(results, res)
		r.loop.emit(LoopEvent{
			Type:      LoopToolUseDone,
			AgentID:   r.id,
			ToolUseID: b.ID,
			ToolName:  b.Name,
			Result:    &res,
		})
	}
	if ctx.Err() != nil {
		return nil, true
	}
	return results, false
}

// abandonTurn ends a killed turn: results discarded, nothing dequeued.
func (r *Runner) abandonTurn() {
	r.recordTurn("killed")
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
	r.persist()
}

func (r *Runner) llmView() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := make([]Message, 0, r.conv.Len())
	for _, m := range r.conv.Messages() {
		if m.Role == "info" {
			continue
		}
		view = append(view, m)
	}
	return RestoreConversation(view).LLMView()
}

func (r *Runner) declarations(cfg *AgentConfig) []ToolDecl {
	if r.deps.Tools == nil {
		return cfg.Tools
	}
	return r.deps.Tools.Declarations(cfg)
}

func (r *Runner) forwardStream(ev StreamEvent) {
	out := LoopEvent{Type: ev.Type, AgentID: r.id}
	switch ev.Type {
	case LoopTextDelta:
		out.Text = ev.Text
	case LoopToolUseStart:
		out.ToolUseID = ev.ToolUseID
		out.ToolName = ev.ToolName
	case LoopToolUseDelta:
		out.ToolUseID = ev.ToolUseID
		out.Delta = ev.Delta
	case LoopToolUseStop:
		out.ToolUseID = ev.ToolUseID
	case LoopUsage:
		out.Usage = &UsageTotals{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens}
	}
	r.loop.emit(out)
}

// Serialize returns a persistence snapshot of everything but the files
// manifest, which the store fills in.
func (r *Runner) Serialize() *SessionSnapshot {
	r.mu.Lock()
	cfg := r.cfg.Clone()
	state := r.state
	conv := copyMessages(r.conv.Messages())
	createdAt := r.createdAt
	r.mu.Unlock()

	totals := r.usage.Totals()
	snap := &SessionSnapshot{
		Version:      SnapshotVersion,
		Config:       cfg,
		Lifecycle:    state,
		Conversation: conv,
		Metadata: Metadata{
			CreatedAt:    createdAt,
			TotalTokens:  totals.TotalTokens,
			TotalCost:    totals.CostUSD,
			SerializedAt: r.deps.Now().UTC(),
		},
		State:           r.states.All(),
		EscalationRules: r.states.Rules(),
		Storage:         r.storage.All(),
	}
	if dom, ok := r.dom.Get(); ok {
		snap.Dom = &dom
	}
	if r.deps.Schedules != nil {
		snap.Schedules = r.deps.Schedules(r.id)
	}
	return snap
}

func (r *Runner) persist() {
	if r.deps.Saver == nil {
		return
	}
	if err := r.deps.Saver.SaveSession(r.id, r.Serialize()); err != nil {
		r.log.Error("snapshot save failed", "error", err)
	}
}

func (r *Runner) emitState(s State) {
	r.events.emit(RunnerEvent{Type: EventStateChange, AgentID: r.id, State: s, Time: r.deps.Now().UTC()})
}

func (r *Runner) emitMessage(m Message) {
	r.events.emit(RunnerEvent{Type: EventMessage, AgentID: r.id, Message: &m, Time: r.deps.Now().UTC()})
}

func (r *Runner) emitError(msg string) {
	r.events.emit(RunnerEvent{Type: EventError, AgentID: r.id, Error: msg, Time: r.deps.Now().UTC()})
}

func (r *Runner) recordTurn(status string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordTurn(status)
	}
}

// WaitIdle blocks until no turn is in flight. Test helper.
func (r *Runner) WaitIdle(ctx context.Context) error {
	for {
		r.mu.Lock()
		busy := r.busy
		r.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func copyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		out[i].Content = copyBlocks(m.Content)
	}
	return out
}

func copyBlocks(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b
		if len(b.Input) > 0 {
			out[i].Input = append(json.RawMessage(nil), b.Input...)
		}
		if len(b.Content) > 0 {
			out[i].Content = copyBlocks(b.Content)
		}
	}
	return out
}

func lastText(blocks []Block) string {
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].Type == "text" && blocks[i].Text != "" {
			return blocks[i].Text
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
