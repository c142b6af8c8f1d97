package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/agenthub/internal/agent"
)

func runJS(t *testing.T, tool *RunJSTool, call Call) (map[string]interface{}, bool) {
	t.Helper()
	out, err := tool.Execute(context.Background(), call)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var res map[string]interface{}
	if err := json.Unmarshal([]byte(outcomeText(t, out)), &res); err != nil {
		t.Fatalf("parse result %q: %v", outcomeText(t, out), err)
	}
	return res, out.IsError
}

func jsCall(code string, r *agent.Runner) Call {
	params, _ := json.Marshal(map[string]interface{}{"code": code})
	c := Call{AgentID: "a1", Tool: "hub_runjs", Input: params}
	if r != nil {
		c.Runner = r
		c.Config = r.Config()
	}
	return c
}

func TestRunJSResultRendering(t *testing.T) {
	tool := NewRunJSTool(nil, nil)
	tests := []struct {
		code string
		want string
	}{
		{"1 + 2", "3"},
		{`"a" + "b"`, "ab"},
		{`({x: 1, y: [2, 3]})`, `{"x":1,"y":[2,3]}`},
		{"null", "null"},
		{"undefined", "undefined"},
		{"true && false", "false"},
	}
	for _, tt := range tests {
		res, isErr := runJS(t, tool, jsCall(tt.code, nil))
		if isErr {
			t.Fatalf("%s: error %v", tt.code, res)
		}
		if res["result"] != tt.want {
			t.Errorf("%s = %v, want %s", tt.code, res["result"], tt.want)
		}
	}
}

func TestRunJSConsoleCapture(t *testing.T) {
	tool := NewRunJSTool(nil, nil)
	res, isErr := runJS(t, tool, jsCall(`console.log("step", 1); console.warn("careful"); "done"`, nil))
	if isErr {
		t.Fatalf("error: %v", res)
	}
	console := res["console"].([]interface{})
	if len(console) != 2 || console[0] != "step 1" || console[1] != "careful" {
		t.Errorf("console = %v", console)
	}
}

func TestRunJSThrownError(t *testing.T) {
	tool := NewRunJSTool(nil, nil)
	res, isErr := runJS(t, tool, jsCall(`throw new Error("bad input")`, nil))
	if !isErr {
		t.Fatal("expected error outcome")
	}
	if !strings.Contains(res["error"].(string), "bad input") {
		t.Errorf("error = %v", res["error"])
	}
}

func TestRunJSTimeout(t *testing.T) {
	tool := NewRunJSTool(nil, nil)
	tool.timeout = 50 * time.Millisecond

	res, isErr := runJS(t, tool, jsCall(`for(;;){}`, nil))
	if !isErr {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(res["error"].(string), "timed out") {
		t.Errorf("error = %v", res["error"])
	}
}

func TestRunJSHubStateBinding(t *testing.T) {
	reg := testRegistry(t, &agent.AgentConfig{ID: "a1", Model: "m", Provider: "p"})
	r, _ := reg.Get("a1")
	tool := NewRunJSTool(nil, nil)

	res, isErr := runJS(t, tool, jsCall(`hub.state.set("mode", "night"); hub.state.get("mode")`, r))
	if isErr {
		t.Fatalf("error: %v", res)
	}
	if res["result"] != "night" {
		t.Errorf("result = %v", res["result"])
	}

	// The write landed in the runner's real state store.
	raw, ok := r.StateStore().Get("mode")
	if !ok || string(raw) != `"night"` {
		t.Errorf("state store value = %s, ok=%v", raw, ok)
	}

	res, _ = runJS(t, tool, jsCall(`hub.storage.set("n", 5); hub.storage.keys().length`, r))
	if res["result"] != "1" {
		t.Errorf("storage keys length = %v", res["result"])
	}

	res, _ = runJS(t, tool, jsCall(`hub.agentId`, r))
	if res["result"] != "a1" {
		t.Errorf("agentId = %v", res["result"])
	}
}

func TestRunJSHubFilesBinding(t *testing.T) {
	s := testStore(t)
	reg := testRegistry(t, &agent.AgentConfig{ID: "a1", Model: "m", Provider: "p"})
	r, _ := reg.Get("a1")
	tool := NewRunJSTool(s, nil)

	res, isErr := runJS(t, tool, jsCall(`hub.files.write("out.txt", "from js"); hub.files.read("out.txt")`, r))
	if isErr {
		t.Fatalf("error: %v", res)
	}
	if res["result"] != "from js" {
		t.Errorf("result = %v", res["result"])
	}

	data, err := s.ReadFile("a1", "out.txt")
	if err != nil || string(data) != "from js" {
		t.Errorf("store content = %q, err=%v", data, err)
	}
}

func TestRunJSNoRunnerOmitsStateBinding(t *testing.T) {
	tool := NewRunJSTool(nil, nil)
	res, isErr := runJS(t, tool, jsCall(`typeof hub.state`, nil))
	if isErr {
		t.Fatalf("error: %v", res)
	}
	if res["result"] != "undefined" {
		t.Errorf("hub.state should be absent without a runner: %v", res["result"])
	}
}

func TestRunJSHistory(t *testing.T) {
	tool := NewRunJSTool(nil, nil)
	runJS(t, tool, jsCall("1 + 1", nil))
	runJS(t, tool, jsCall(`throw "nope"`, nil))

	params, _ := json.Marshal(map[string]interface{}{"history": true})
	res, isErr := runJS(t, tool, Call{AgentID: "a1", Input: params})
	if isErr {
		t.Fatalf("history failed: %v", res)
	}
	invocations := res["invocations"].([]interface{})
	if len(invocations) != 2 {
		t.Fatalf("invocations = %d", len(invocations))
	}
	first := invocations[0].(map[string]interface{})
	if first["code"] != "1 + 1" || first["result"] != "2" {
		t.Errorf("first invocation = %v", first)
	}
	second := invocations[1].(map[string]interface{})
	if second["error"] == nil {
		t.Errorf("second invocation should carry the error: %v", second)
	}

	// Another agent's log is separate.
	res, _ = runJS(t, tool, Call{AgentID: "b1", Input: params})
	if len(res["invocations"].([]interface{})) != 0 {
		t.Error("history must be per agent")
	}
}

func TestRunJSHistoryRingOverwrites(t *testing.T) {
	tool := NewRunJSTool(nil, nil)
	for i := 0; i < runjsLogSize+5; i++ {
		runJS(t, tool, jsCall(fmt.Sprintf("%d", i), nil))
	}

	recent := tool.Recent("a1")
	if len(recent) != runjsLogSize {
		t.Fatalf("ring length = %d, want %d", len(recent), runjsLogSize)
	}
	if recent[0].Code != "5" {
		t.Errorf("oldest entry = %q, want 5", recent[0].Code)
	}
	if recent[len(recent)-1].Code != fmt.Sprintf("%d", runjsLogSize+4) {
		t.Errorf("newest entry = %q", recent[len(recent)-1].Code)
	}
}

func TestRunJSMissingCode(t *testing.T) {
	tool := NewRunJSTool(nil, nil)
	out, err := tool.Execute(context.Background(), Call{AgentID: "a1", Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.IsError || !strings.Contains(outcomeText(t, out), "code is required") {
		t.Errorf("outcome = %s", outcomeText(t, out))
	}
}

func TestRunJSHubFetchBinding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	policy := newTestPolicy(t, nil, nil)
	policy.allowInternal = true
	tool := NewRunJSTool(nil, policy)

	res, isErr := runJS(t, tool, jsCall(
		fmt.Sprintf(`var r = hub.fetch(%q); r.status + ":" + r.body`, srv.URL), nil))
	if isErr {
		t.Fatalf("error: %v", res)
	}
	if res["result"] != `200:{"ok":true}` {
		t.Errorf("result = %v", res["result"])
	}
}

func TestRunJSHubFetchAbsentWhenDisabled(t *testing.T) {
	tool := NewRunJSTool(nil, nil)
	res, isErr := runJS(t, tool, jsCall(`typeof hub.fetch`, nil))
	if isErr {
		t.Fatalf("error: %v", res)
	}
	if res["result"] != "undefined" {
		t.Errorf("hub.fetch should be absent when the proxy is off: %v", res["result"])
	}
}

func TestRunJSHubFetchRefusalBecomesJSError(t *testing.T) {
	policy := newTestPolicy(t, nil, []string{`example\.com`})
	tool := NewRunJSTool(nil, policy)

	res, isErr := runJS(t, tool, jsCall(`hub.fetch("https://example.com/")`, nil))
	if !isErr {
		t.Fatalf("blocked fetch succeeded: %v", res)
	}
	if !strings.Contains(res["error"].(string), "blocked pattern") {
		t.Errorf("error = %v", res["error"])
	}
}
