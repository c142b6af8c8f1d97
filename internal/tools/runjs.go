package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/store"
)

const (
	// runjsTimeout bounds one script evaluation.
	runjsTimeout = 5 * time.Second

	// runjsLogSize is the per-agent circular invocation log depth.
	runjsLogSize = 20

	// runjsSnippetLen truncates code and results in log entries.
	runjsSnippetLen = 400
)

// RunJSTool evaluates JavaScript in an isolated runtime. The script sees
// console, JSON, and the hub object bound to the agent's own containers;
// there is no require and no host filesystem. Network access exists only
// as hub.fetch when the fetch proxy is enabled. Each agent keeps a
// circular log of recent invocations for debugging.
type RunJSTool struct {
	files   *store.AgentStore
	fetch   *FetchPolicy
	now     func() time.Time
	timeout time.Duration

	mu   sync.Mutex
	logs map[string]*invocationRing
}

// NewRunJSTool creates the tool. files backs hub.files inside scripts and
// fetch backs hub.fetch; nil disables that part of the API.
func NewRunJSTool(files *store.AgentStore, fetch *FetchPolicy) *RunJSTool {
	return &RunJSTool{
		files:   files,
		fetch:   fetch,
		now:     time.Now,
		timeout: runjsTimeout,
		logs:    make(map[string]*invocationRing),
	}
}

func (t *RunJSTool) Name() string { return "hub_runjs" }

func (t *RunJSTool) Description() string {
	return "Evaluate JavaScript in an isolated runtime with access to the agent's state, storage, and files via the hub object."
}

func (t *RunJSTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{
				"type":        "string",
				"description": "JavaScript source. The completion value is returned as the result.",
			},
			"history": map[string]interface{}{
				"type":        "boolean",
				"description": "Return the recent invocation log instead of running code.",
			},
		},
	}
	return marshalSchema(schema)
}

func (t *RunJSTool) Execute(ctx context.Context, call Call) (agent.ToolOutcome, error) {
	var input struct {
		Code    string `json:"code"`
		History bool   `json:"history"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	if input.History {
		return jsonResult(map[string]interface{}{
			"invocations": t.Recent(call.AgentID),
		}), nil
	}

	if strings.TrimSpace(input.Code) == "" {
		return toolError("code is required"), nil
	}

	start := t.now()
	var console []string
	vm := newAgentVM(ctx, call, t.files, t.fetch, &console)

	timer := time.AfterFunc(t.timeout, func() {
		vm.Interrupt("execution timed out")
	})
	value, err := vm.RunString(input.Code)
	timer.Stop()

	inv := Invocation{
		At:         start,
		Code:       snippet(input.Code),
		DurationMs: t.now().Sub(start).Milliseconds(),
	}

	if err != nil {
		var interrupted *goja.InterruptedError
		msg := err.Error()
		if errors.As(err, &interrupted) {
			msg = fmt.Sprintf("execution timed out after %s", t.timeout)
		}
		inv.Error = snippet(msg)
		t.record(call.AgentID, inv)
		return toolError(msg), nil
	}

	rendered := renderJSValue(value)
	inv.Result = snippet(rendered)
	t.record(call.AgentID, inv)

	result := map[string]interface{}{"result": rendered}
	if len(console) > 0 {
		result["console"] = console
	}
	return jsonResult(result), nil
}

// Recent returns the agent's logged invocations, oldest first.
func (t *RunJSTool) Recent(agentID string) []Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.logs[agentID]
	if !ok {
		return []Invocation{}
	}
	return ring.list()
}

// Forget drops an agent's invocation log.
func (t *RunJSTool) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.logs, agentID)
}

func (t *RunJSTool) record(agentID string, inv Invocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.logs[agentID]
	if !ok {
		ring = &invocationRing{}
		t.logs[agentID] = ring
	}
	ring.add(inv)
}

// Invocation is one logged hub_runjs execution.
type Invocation struct {
	At         time.Time `json:"at"`
	Code       string    `json:"code"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// invocationRing is a fixed-size circular buffer; the newest entry
// overwrites the oldest once full.
type invocationRing struct {
	entries [runjsLogSize]Invocation
	next    int
	count   int
}

func (r *invocationRing) add(inv Invocation) {
	r.entries[r.next] = inv
	r.next = (r.next + 1) % runjsLogSize
	if r.count < runjsLogSize {
		r.count++
	}
}

func (r *invocationRing) list() []Invocation {
	out := make([]Invocation, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += runjsLogSize
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%runjsLogSize])
	}
	return out
}

// newAgentVM builds the sandboxed runtime shared by hub_runjs and skill
// tools. The hub object is the whole host surface.
func newAgentVM(ctx context.Context, call Call, files *store.AgentStore, fetch *FetchPolicy, console *[]string) *goja.Runtime {
	vm := goja.New()

	consoleObj := vm.NewObject()
	capture := func(fc goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(fc.Arguments))
		for _, a := range fc.Arguments {
			parts = append(parts, a.String())
		}
		*console = append(*console, strings.Join(parts, " "))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		_ = consoleObj.Set(name, capture)
	}
	_ = vm.Set("console", consoleObj)

	hub := vm.NewObject()
	_ = hub.Set("agentId", call.AgentID)

	if call.Runner != nil {
		states := call.Runner.StateStore()
		stateObj := vm.NewObject()
		_ = stateObj.Set("get", func(key string) (any, error) { return jsGet(states.Get(key)) })
		_ = stateObj.Set("set", func(key string, value goja.Value) error { return jsSet(states.Set, key, value) })
		_ = stateObj.Set("delete", func(key string) bool { return states.Delete(key) })
		_ = stateObj.Set("keys", func() []string { return states.Keys() })
		_ = hub.Set("state", stateObj)

		storage := call.Runner.Storage()
		storageObj := vm.NewObject()
		_ = storageObj.Set("get", func(key string) (any, error) { return jsGet(storage.Get(key)) })
		_ = storageObj.Set("set", func(key string, value goja.Value) error { return jsSet(storage.Set, key, value) })
		_ = storageObj.Set("delete", func(key string) bool { return storage.Delete(key) })
		_ = storageObj.Set("keys", func() []string { return storage.Keys() })
		_ = hub.Set("storage", storageObj)
	}

	if files != nil {
		filesObj := vm.NewObject()
		_ = filesObj.Set("read", func(path string) (string, error) {
			data, err := files.ReadFile(call.AgentID, path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		})
		_ = filesObj.Set("write", func(path, content string) error {
			return files.WriteFile(call.AgentID, path, []byte(content))
		})
		_ = filesObj.Set("list", func() ([]string, error) {
			manifest, err := files.BuildManifest(call.AgentID)
			if err != nil {
				return nil, err
			}
			paths := make([]string, 0, len(manifest))
			for _, e := range manifest {
				paths = append(paths, e.Path)
			}
			return paths, nil
		})
		_ = hub.Set("files", filesObj)
	}

	if fetch.Enabled() {
		_ = hub.Set("fetch", func(rawURL string) (map[string]interface{}, error) {
			res, err := fetch.Fetch(ctx, rawURL)
			if err != nil {
				return nil, err
			}
			out := map[string]interface{}{
				"status": res.Status,
				"body":   res.Body,
			}
			if res.ContentType != "" {
				out["contentType"] = res.ContentType
			}
			if res.Truncated {
				out["truncated"] = true
			}
			return out, nil
		})
	}

	_ = vm.Set("hub", hub)
	return vm
}

func jsGet(raw json.RawMessage, ok bool) (any, error) {
	if !ok {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsSet(set func(string, json.RawMessage) error, key string, value goja.Value) error {
	raw, err := json.Marshal(value.Export())
	if err != nil {
		return err
	}
	return set(key, raw)
}

// renderJSValue flattens a completion value for the result payload.
func renderJSValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	raw, err := json.Marshal(exported)
	if err != nil {
		return v.String()
	}
	return string(raw)
}

func snippet(s string) string {
	if len(s) <= runjsSnippetLen {
		return s
	}
	return s[:runjsSnippetLen] + "..."
}
