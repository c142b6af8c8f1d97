package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/chromedp/chromedp/kb"

	"github.com/haasonsaas/agenthub/internal/browser"
)

// The tests below never reach chromedp.Run, so no browser process starts:
// input validation and ref resolution both reject before any page action.

func browsePool(t *testing.T) *browser.Pool {
	t.Helper()
	p := browser.NewPool(browser.Config{}, browser.WithLogger(testLogger()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func execBrowse(t *testing.T, tool *BrowseTool, input map[string]interface{}) (string, bool) {
	t.Helper()
	params, _ := json.Marshal(input)
	out, err := tool.Execute(context.Background(), Call{AgentID: "a1", Tool: "browse", Input: params})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return outcomeText(t, out), out.IsError
}

func TestBrowseNilPool(t *testing.T) {
	tool := NewBrowseTool(nil)
	text, isErr := execBrowse(t, tool, map[string]interface{}{"action": "goto", "url": "https://example.com"})
	if !isErr || !strings.Contains(text, "browser pool unavailable") {
		t.Errorf("outcome = %s", text)
	}
}

func TestBrowseInputValidation(t *testing.T) {
	tool := NewBrowseTool(browsePool(t))
	tests := []struct {
		name  string
		input map[string]interface{}
		want  string
	}{
		{"missing action", map[string]interface{}{}, "action is required"},
		{"goto without url", map[string]interface{}{"action": "goto"}, "url is required"},
		{"goto bad scheme", map[string]interface{}{"action": "goto", "url": "file:///etc/passwd"}, "must be http or https"},
		{"goto not a url", map[string]interface{}{"action": "goto", "url": "::::"}, "must be http or https"},
		{"click without ref", map[string]interface{}{"action": "click"}, "ref is required"},
		{"click unknown ref", map[string]interface{}{"action": "click", "ref": "e42"}, "unknown element ref"},
		{"press without key", map[string]interface{}{"action": "press"}, "key is required"},
		{"press unknown key", map[string]interface{}{"action": "press", "key": "Hyper"}, "unsupported key"},
		{"unknown action", map[string]interface{}{"action": "teleport"}, "unsupported action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := execBrowse(t, tool, tt.input)
			if !isErr || !strings.Contains(text, tt.want) {
				t.Errorf("outcome = %s", text)
			}
		})
	}
}

func TestBrowseUnknownRefSuggestsSnapshot(t *testing.T) {
	pool := browsePool(t)
	tool := NewBrowseTool(pool)

	sess, err := pool.GetOrCreate("a1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	token := sess.Refs().Add("button#submit")

	// An unknown token points the model at a fresh snapshot.
	text, isErr := execBrowse(t, tool, map[string]interface{}{"action": "click", "ref": "e999"})
	if !isErr || !strings.Contains(text, "take a new snapshot") {
		t.Errorf("outcome = %s", text)
	}

	// A known token passes ref resolution; type still validates text
	// before touching the page.
	text, isErr = execBrowse(t, tool, map[string]interface{}{"action": "type", "ref": token})
	if !isErr || !strings.Contains(text, "text is required") {
		t.Errorf("outcome = %s", text)
	}
}

func TestBrowseCloseWithoutSession(t *testing.T) {
	tool := NewBrowseTool(browsePool(t))
	text, isErr := execBrowse(t, tool, map[string]interface{}{"action": "close"})
	if !isErr || !strings.Contains(text, "no browser session") {
		t.Errorf("outcome = %s", text)
	}
}

func TestBrowseClosedPool(t *testing.T) {
	pool := browser.NewPool(browser.Config{}, browser.WithLogger(testLogger()))
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	tool := NewBrowseTool(pool)
	text, isErr := execBrowse(t, tool, map[string]interface{}{"action": "snapshot"})
	if !isErr || !strings.Contains(text, "closed") {
		t.Errorf("outcome = %s", text)
	}
}

func TestKeySequence(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"Enter", kb.Enter},
		{"return", kb.Enter},
		{"TAB", kb.Tab},
		{"esc", kb.Escape},
		{"ArrowDown", kb.ArrowDown},
		{"PageUp", kb.PageUp},
		{"a", "a"},
		{"ü", "ü"},
	}
	for _, tt := range tests {
		got, err := keySequence(tt.key)
		if err != nil {
			t.Errorf("keySequence(%q): %v", tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("keySequence(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}

	for _, bad := range []string{"", "Hyper", "ab"} {
		if _, err := keySequence(bad); err == nil {
			t.Errorf("keySequence(%q): expected error", bad)
		}
	}
}
