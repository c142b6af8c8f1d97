package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/agenthub/internal/store"
)

func testStore(t *testing.T) *store.AgentStore {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func runHubFiles(t *testing.T, tool *HubFilesTool, agentID string, input map[string]interface{}) (map[string]interface{}, bool) {
	t.Helper()
	params, _ := json.Marshal(input)
	out, err := tool.Execute(context.Background(), Call{AgentID: agentID, Tool: "hub_files", Input: params})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var res map[string]interface{}
	if err := json.Unmarshal([]byte(outcomeText(t, out)), &res); err != nil {
		t.Fatalf("parse result %q: %v", outcomeText(t, out), err)
	}
	return res, out.IsError
}

func TestHubFilesRoundtrip(t *testing.T) {
	tool := NewHubFilesTool(testStore(t))

	res, isErr := runHubFiles(t, tool, "a1", map[string]interface{}{
		"action": "write", "path": "notes/plan.md", "content": "step one",
	})
	if isErr {
		t.Fatalf("write failed: %v", res)
	}

	res, isErr = runHubFiles(t, tool, "a1", map[string]interface{}{
		"action": "read", "path": "notes/plan.md",
	})
	if isErr {
		t.Fatalf("read failed: %v", res)
	}
	if res["content"] != "step one" {
		t.Errorf("content = %v", res["content"])
	}

	res, isErr = runHubFiles(t, tool, "a1", map[string]interface{}{"action": "list"})
	if isErr {
		t.Fatalf("list failed: %v", res)
	}
	files := res["files"].([]interface{})
	if len(files) != 1 {
		t.Fatalf("files = %d", len(files))
	}
	entry := files[0].(map[string]interface{})
	if entry["path"] != "notes/plan.md" {
		t.Errorf("manifest entry = %v", entry)
	}

	res, isErr = runHubFiles(t, tool, "a1", map[string]interface{}{
		"action": "stat", "path": "notes/plan.md",
	})
	if isErr {
		t.Fatalf("stat failed: %v", res)
	}
	if res["size"].(float64) != 8 {
		t.Errorf("size = %v", res["size"])
	}

	if res, isErr = runHubFiles(t, tool, "a1", map[string]interface{}{
		"action": "delete", "path": "notes/plan.md",
	}); isErr {
		t.Fatalf("delete failed: %v", res)
	}
	res, isErr = runHubFiles(t, tool, "a1", map[string]interface{}{
		"action": "read", "path": "notes/plan.md",
	})
	if !isErr || !strings.Contains(res["error"].(string), "file not found") {
		t.Errorf("outcome = %v", res)
	}
}

func TestHubFilesPathEscapeRejected(t *testing.T) {
	tool := NewHubFilesTool(testStore(t))
	res, isErr := runHubFiles(t, tool, "a1", map[string]interface{}{
		"action": "read", "path": "../other/secret",
	})
	if !isErr {
		t.Fatalf("expected rejection: %v", res)
	}
}

func TestHubFilesPackUnpack(t *testing.T) {
	s := testStore(t)
	tool := NewHubFilesTool(s)

	for path, content := range map[string]string{
		"a.txt":       "alpha",
		"dir/b.txt":   "beta",
		"dir/c/d.txt": "delta",
	} {
		if err := s.WriteFile("a1", path, []byte(content)); err != nil {
			t.Fatal(err)
		}
	}

	res, isErr := runHubFiles(t, tool, "a1", map[string]interface{}{"action": "pack"})
	if isErr {
		t.Fatalf("pack failed: %v", res)
	}
	archive := res["archive"].(string)
	if archive == "" {
		t.Fatal("empty archive")
	}
	if res["files"].(float64) != 3 {
		t.Errorf("files = %v", res["files"])
	}

	res, isErr = runHubFiles(t, tool, "a2", map[string]interface{}{
		"action": "unpack", "archive": archive,
	})
	if isErr {
		t.Fatalf("unpack failed: %v", res)
	}
	if res["files"].(float64) != 3 {
		t.Errorf("unpacked files = %v", res["files"])
	}

	data, err := s.ReadFile("a2", "dir/c/d.txt")
	if err != nil {
		t.Fatalf("read unpacked: %v", err)
	}
	if string(data) != "delta" {
		t.Errorf("content = %q", data)
	}
}

func TestHubFilesUnpackRejectsBadArchive(t *testing.T) {
	tool := NewHubFilesTool(testStore(t))
	res, isErr := runHubFiles(t, tool, "a1", map[string]interface{}{
		"action": "unpack", "archive": "not base64!!!",
	})
	if !isErr {
		t.Fatalf("expected error: %v", res)
	}
}

func TestHubFilesUnsupportedAction(t *testing.T) {
	tool := NewHubFilesTool(testStore(t))
	res, isErr := runHubFiles(t, tool, "a1", map[string]interface{}{"action": "zip"})
	if !isErr || !strings.Contains(res["error"].(string), "unsupported action") {
		t.Errorf("outcome = %v", res)
	}
}
