package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/agenthub/internal/agent"
)

func runStorage(t *testing.T, tool *StorageTool, r *agent.Runner, input map[string]interface{}) (map[string]interface{}, bool) {
	t.Helper()
	params, _ := json.Marshal(input)
	c := Call{AgentID: "a1", Tool: "hub_storage", Input: params}
	if r != nil {
		c.Runner = r
		c.Config = r.Config()
	}
	out, err := tool.Execute(context.Background(), c)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var res map[string]interface{}
	if err := json.Unmarshal([]byte(outcomeText(t, out)), &res); err != nil {
		t.Fatalf("parse result %q: %v", outcomeText(t, out), err)
	}
	return res, out.IsError
}

func TestStorageLifecycle(t *testing.T) {
	reg := testRegistry(t, &agent.AgentConfig{ID: "a1", Model: "m", Provider: "p"})
	r, _ := reg.Get("a1")
	tool := NewStorageTool()

	for _, kv := range []struct {
		key   string
		value interface{}
	}{
		{"counter", 42},
		{"config", map[string]interface{}{"retries": 3}},
	} {
		res, isErr := runStorage(t, tool, r, map[string]interface{}{
			"action": "set", "key": kv.key, "value": kv.value,
		})
		if isErr {
			t.Fatalf("set %s failed: %v", kv.key, res)
		}
	}

	res, isErr := runStorage(t, tool, r, map[string]interface{}{"action": "get", "key": "counter"})
	if isErr {
		t.Fatalf("get failed: %v", res)
	}
	if res["value"].(float64) != 42 {
		t.Errorf("value = %v", res["value"])
	}

	res, _ = runStorage(t, tool, r, map[string]interface{}{"action": "list"})
	keys := res["keys"].([]interface{})
	if len(keys) != 2 {
		t.Errorf("keys = %v", keys)
	}

	res, isErr = runStorage(t, tool, r, map[string]interface{}{"action": "delete", "key": "counter"})
	if isErr || res["deleted"] != true {
		t.Errorf("delete = %v", res)
	}
	res, _ = runStorage(t, tool, r, map[string]interface{}{"action": "get", "key": "counter"})
	if res["exists"] != false {
		t.Errorf("deleted key still exists: %v", res)
	}
}

func TestStorageIsSeparateFromState(t *testing.T) {
	reg := testRegistry(t, &agent.AgentConfig{ID: "a1", Model: "m", Provider: "p"})
	r, _ := reg.Get("a1")

	if _, isErr := runStorage(t, NewStorageTool(), r, map[string]interface{}{
		"action": "set", "key": "shared", "value": "in-storage",
	}); isErr {
		t.Fatal("storage set failed")
	}

	res, _ := runState(t, NewStateTool(), r, map[string]interface{}{"action": "get", "key": "shared"})
	if res["exists"] != false {
		t.Errorf("state store should not see storage keys: %v", res)
	}
}

func TestStorageMissingAgent(t *testing.T) {
	tool := NewStorageTool()
	params, _ := json.Marshal(map[string]interface{}{"action": "list"})
	out, err := tool.Execute(context.Background(), Call{AgentID: "ghost", Input: params})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.IsError || !strings.Contains(outcomeText(t, out), "agent not found") {
		t.Errorf("outcome = %s", outcomeText(t, out))
	}
}
