package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/browser"
)

const (
	// browseNavTimeout covers navigation, which may include a cold browser
	// launch; browseOpTimeout covers in-page actions.
	browseNavTimeout = 30 * time.Second
	browseOpTimeout  = 15 * time.Second

	defaultScrollPx = 600
)

// BrowseTool drives the agent's headless browser session. Element targeting
// goes through snapshot refs: snapshot labels interactive elements e1, e2,
// ... and click/type/press address them by that token until the next
// snapshot replaces the map.
type BrowseTool struct {
	pool *browser.Pool
}

// NewBrowseTool creates the tool.
func NewBrowseTool(pool *browser.Pool) *BrowseTool {
	return &BrowseTool{pool: pool}
}

func (t *BrowseTool) Name() string { return "browse" }

func (t *BrowseTool) Description() string {
	return "Control a headless browser: goto, click, type, press, scroll, snapshot, screenshot, back, forward, reload, close. Use snapshot refs (e1, e2, ...) to address elements."
}

func (t *BrowseTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action: goto, click, type, press, scroll, snapshot, screenshot, back, forward, reload, close.",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Target URL for goto (http or https).",
			},
			"ref": map[string]interface{}{
				"type":        "string",
				"description": "Element ref from the last snapshot, e.g. e3.",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Text to type.",
			},
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Key to press, e.g. Enter, Tab, ArrowDown, or a single character.",
			},
			"dy": map[string]interface{}{
				"type":        "integer",
				"description": "Scroll distance in pixels; negative scrolls up (default 600).",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full page instead of the viewport.",
			},
		},
		"required": []string{"action"},
	}
	return marshalSchema(schema)
}

func (t *BrowseTool) Execute(ctx context.Context, call Call) (agent.ToolOutcome, error) {
	if t.pool == nil {
		return toolError("browser pool unavailable"), nil
	}
	var input struct {
		Action   string `json:"action"`
		URL      string `json:"url"`
		Ref      string `json:"ref"`
		Text     string `json:"text"`
		Key      string `json:"key"`
		Dy       int    `json:"dy"`
		FullPage bool   `json:"full_page"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if action == "" {
		return toolError("action is required"), nil
	}

	if action == "close" {
		if err := t.pool.CloseSession(call.AgentID); err != nil {
			return toolError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"action": "close", "closed": true}), nil
	}

	sess, err := t.pool.GetOrCreate(call.AgentID)
	if err != nil {
		return toolError(err.Error()), nil
	}

	switch action {
	case "goto":
		target := strings.TrimSpace(input.URL)
		if target == "" {
			return toolError("url is required"), nil
		}
		parsed, err := url.Parse(target)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return toolError("url must be http or https"), nil
		}
		if err := runBrowser(sess, browseNavTimeout, chromedp.Navigate(target)); err != nil {
			return browseError(action, err), nil
		}
		return t.pageResult(sess, action, nil), nil

	case "click":
		sel, outcome := t.resolveRef(sess, input.Ref)
		if sel == "" {
			return outcome, nil
		}
		err := runBrowser(sess, browseOpTimeout,
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.Click(sel, chromedp.ByQuery),
		)
		if err != nil {
			return browseError(action, err), nil
		}
		return t.pageResult(sess, action, map[string]interface{}{"ref": input.Ref}), nil

	case "type":
		sel, outcome := t.resolveRef(sess, input.Ref)
		if sel == "" {
			return outcome, nil
		}
		if input.Text == "" {
			return toolError("text is required"), nil
		}
		err := runBrowser(sess, browseOpTimeout,
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, input.Text, chromedp.ByQuery),
		)
		if err != nil {
			return browseError(action, err), nil
		}
		return t.pageResult(sess, action, map[string]interface{}{"ref": input.Ref}), nil

	case "press":
		seq, err := keySequence(input.Key)
		if err != nil {
			return toolError(err.Error()), nil
		}
		if err := runBrowser(sess, browseOpTimeout, chromedp.KeyEvent(seq)); err != nil {
			return browseError(action, err), nil
		}
		return t.pageResult(sess, action, map[string]interface{}{"key": input.Key}), nil

	case "scroll":
		dy := input.Dy
		if dy == 0 {
			dy = defaultScrollPx
		}
		err := runBrowser(sess, browseOpTimeout,
			chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", dy), nil),
		)
		if err != nil {
			return browseError(action, err), nil
		}
		return t.pageResult(sess, action, map[string]interface{}{"dy": dy}), nil

	case "snapshot":
		return t.snapshot(sess), nil

	case "screenshot":
		return t.screenshot(sess, input.FullPage), nil

	case "back":
		if err := runBrowser(sess, browseOpTimeout, chromedp.NavigateBack()); err != nil {
			return browseError(action, err), nil
		}
		return t.pageResult(sess, action, nil), nil

	case "forward":
		if err := runBrowser(sess, browseOpTimeout, chromedp.NavigateForward()); err != nil {
			return browseError(action, err), nil
		}
		return t.pageResult(sess, action, nil), nil

	case "reload":
		if err := runBrowser(sess, browseOpTimeout, chromedp.Reload()); err != nil {
			return browseError(action, err), nil
		}
		return t.pageResult(sess, action, nil), nil

	default:
		return toolError(fmt.Sprintf("unsupported action: %s", action)), nil
	}
}

// resolveRef maps a snapshot token to its selector. The empty selector
// return carries the error outcome.
func (t *BrowseTool) resolveRef(sess *browser.Session, ref string) (string, agent.ToolOutcome) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", toolError("ref is required; take a snapshot first")
	}
	sel, ok := sess.Refs().Selector(ref)
	if !ok {
		return "", toolError(fmt.Sprintf("unknown element ref %q; take a new snapshot", ref))
	}
	return sel, agent.ToolOutcome{}
}

// pageElement is one entry in a page snapshot.
type pageElement struct {
	Selector string `json:"selector"`
	Role     string `json:"role"`
	Label    string `json:"label"`
}

// snapshot walks the page's interactive elements, assigns fresh refs, and
// returns the outline. Every snapshot invalidates the previous refs.
func (t *BrowseTool) snapshot(sess *browser.Session) agent.ToolOutcome {
	var elements []pageElement
	if err := runBrowser(sess, browseOpTimeout, chromedp.Evaluate(snapshotJS, &elements)); err != nil {
		return browseError("snapshot", err)
	}

	selectors := make([]string, len(elements))
	for i, el := range elements {
		selectors[i] = el.Selector
	}
	tokens := sess.Refs().Replace(selectors)

	outline := make([]map[string]interface{}, len(elements))
	for i, el := range elements {
		outline[i] = map[string]interface{}{
			"ref":   tokens[i],
			"role":  el.Role,
			"label": el.Label,
		}
	}
	return t.pageResult(sess, "snapshot", map[string]interface{}{"elements": outline})
}

// screenshot captures the page, normalizes oversized images, and returns
// the capture as an image block alongside the page info.
func (t *BrowseTool) screenshot(sess *browser.Session, fullPage bool) agent.ToolOutcome {
	var buf []byte
	var capture chromedp.Action
	if fullPage {
		capture = chromedp.FullScreenshot(&buf, 90)
	} else {
		capture = chromedp.CaptureScreenshot(&buf)
	}
	if err := runBrowser(sess, browseOpTimeout, capture); err != nil {
		return browseError("screenshot", err)
	}

	shot, err := browser.NormalizeScreenshot(buf)
	if err != nil {
		return toolError("screenshot: " + err.Error())
	}

	title, pageURL := t.pageInfo(sess)
	payload, err := json.MarshalIndent(map[string]interface{}{
		"action": "screenshot",
		"title":  title,
		"url":    pageURL,
		"width":  shot.Width,
		"height": shot.Height,
	}, "", "  ")
	if err != nil {
		return toolError("encode result: " + err.Error())
	}
	return agent.ToolOutcome{Content: []agent.Block{
		agent.TextBlock(string(payload)),
		agent.ImageBlock(shot.ContentType, base64.StdEncoding.EncodeToString(shot.Buffer)),
	}}
}

// pageResult builds the standard action result: the action, the page title
// and URL, and any extras.
func (t *BrowseTool) pageResult(sess *browser.Session, action string, extra map[string]interface{}) agent.ToolOutcome {
	title, pageURL := t.pageInfo(sess)
	result := map[string]interface{}{
		"action": action,
		"title":  title,
		"url":    pageURL,
	}
	for k, v := range extra {
		result[k] = v
	}
	return jsonResult(result)
}

func (t *BrowseTool) pageInfo(sess *browser.Session) (title, pageURL string) {
	// Best effort; a wedged page still returns the action result.
	_ = runBrowser(sess, browseOpTimeout,
		chromedp.Title(&title),
		chromedp.Location(&pageURL),
	)
	return title, pageURL
}

func runBrowser(sess *browser.Session, timeout time.Duration, actions ...chromedp.Action) error {
	ctx, cancel := context.WithTimeout(sess.Ctx(), timeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

func browseError(action string, err error) agent.ToolOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return toolError(fmt.Sprintf("%s timed out; the page may still be loading or the element may be gone", action))
	}
	return toolError(fmt.Sprintf("%s: %v", action, err))
}

// keySequence maps a key name to the sequence KeyEvent dispatches.
func keySequence(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	switch strings.ToLower(key) {
	case "enter", "return":
		return kb.Enter, nil
	case "tab":
		return kb.Tab, nil
	case "escape", "esc":
		return kb.Escape, nil
	case "backspace":
		return kb.Backspace, nil
	case "delete":
		return kb.Delete, nil
	case "arrowup", "up":
		return kb.ArrowUp, nil
	case "arrowdown", "down":
		return kb.ArrowDown, nil
	case "arrowleft", "left":
		return kb.ArrowLeft, nil
	case "arrowright", "right":
		return kb.ArrowRight, nil
	case "pageup":
		return kb.PageUp, nil
	case "pagedown":
		return kb.PageDown, nil
	case "home":
		return kb.Home, nil
	case "end":
		return kb.End, nil
	}
	if len([]rune(key)) == 1 {
		return key, nil
	}
	return "", fmt.Errorf("unsupported key: %s", key)
}

// snapshotJS builds the interactive-element outline: visible links, form
// controls, and clickables, each with a stable-enough CSS path. Ref tokens
// are assigned on the Go side.
const snapshotJS = `(() => {
	const out = [];
	const seen = new Set();
	const cssPath = (el) => {
		if (el.id) return '#' + CSS.escape(el.id);
		const parts = [];
		let cur = el;
		while (cur && cur.nodeType === 1 && parts.length < 8) {
			let part = cur.tagName.toLowerCase();
			if (cur.id) { parts.unshift(part + '#' + CSS.escape(cur.id)); break; }
			const parent = cur.parentElement;
			if (parent) {
				const same = Array.from(parent.children).filter(c => c.tagName === cur.tagName);
				if (same.length > 1) part += ':nth-of-type(' + (same.indexOf(cur) + 1) + ')';
			}
			parts.unshift(part);
			cur = parent;
		}
		return parts.join(' > ');
	};
	const roleOf = (el) => {
		const role = el.getAttribute('role');
		if (role) return role;
		const tag = el.tagName.toLowerCase();
		if (tag === 'a') return 'link';
		if (tag === 'button') return 'button';
		if (tag === 'select') return 'combobox';
		if (tag === 'textarea') return 'textbox';
		if (tag === 'input') {
			const type = (el.getAttribute('type') || 'text').toLowerCase();
			if (type === 'submit' || type === 'button') return 'button';
			if (type === 'checkbox') return 'checkbox';
			if (type === 'radio') return 'radio';
			return 'textbox';
		}
		return tag;
	};
	const labelOf = (el) => {
		const aria = el.getAttribute('aria-label');
		if (aria) return aria;
		if (el.tagName === 'INPUT' || el.tagName === 'TEXTAREA') {
			if (el.placeholder) return el.placeholder;
			if (el.labels && el.labels.length) return el.labels[0].innerText.trim();
			return el.name || '';
		}
		return (el.innerText || el.value || '').trim().slice(0, 80);
	};
	const els = document.querySelectorAll('a[href], button, input, select, textarea, [role="button"], [role="link"], [onclick]');
	for (const el of els) {
		if (out.length >= 150) break;
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 && rect.height === 0) continue;
		const sel = cssPath(el);
		if (seen.has(sel)) continue;
		seen.add(sel);
		out.push({ selector: sel, role: roleOf(el), label: labelOf(el) });
	}
	return out;
})()`
