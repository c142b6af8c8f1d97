package agent

import (
	"log/slog"
	"sync"
	"time"
)

// Runner event types, surfaced to connection fanout and push routing.
const (
	EventStateChange = "state_change"
	EventMessage     = "message"
	EventError       = "error"
	EventNotifyUser  = "notify_user"
)

// Loop event types, streamed per turn.
const (
	LoopTextDelta    = "text_delta"
	LoopToolUseStart = "tool_use_start"
	LoopToolUseDelta = "tool_use_delta"
	LoopToolUseStop  = "tool_use_stop"
	LoopToolUseDone  = "tool_use_done"
	LoopUsage        = "usage"
)

// Notification is a notify_user payload bound for the push sink.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
}

// RunnerEvent is a lifecycle-level event from one runner.
type RunnerEvent struct {
	Type    string        `json:"type"`
	AgentID string        `json:"agentId"`
	State   State         `json:"state,omitempty"`
	Message *Message      `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
	Notify  *Notification `json:"notify,omitempty"`
	Time    time.Time     `json:"time"`
}

// LoopEvent is a streaming event inside one turn.
type LoopEvent struct {
	Type      string       `json:"type"`
	AgentID   string       `json:"agentId"`
	Text      string       `json:"text,omitempty"`
	ToolUseID string       `json:"toolUseId,omitempty"`
	ToolName  string       `json:"toolName,omitempty"`
	Delta     string       `json:"delta,omitempty"`
	Result    *Block       `json:"result,omitempty"`
	Usage     *UsageTotals `json:"usage,omitempty"`
}

// fan is a multicast sink. Subscribers are isolated: a panic in one callback
// is recovered and logged, and the rest still run.
type fan[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
	log  *slog.Logger
}

func newFan[T any](log *slog.Logger) *fan[T] {
	return &fan[T]{subs: map[int]func(T){}, log: log}
}

// subscribe registers cb and returns an unsubscribe func.
func (f *fan[T]) subscribe(cb func(T)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fan[T]) emit(ev T) {
	f.mu.Lock()
	cbs := make([]func(T), 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil && f.log != nil {
					f.log.Error("event subscriber panicked", "panic", r)
				}
			}()
			cb(ev)
		}()
	}
}
