package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/agenthub/internal/agent"
)

const maxFileReadBytes = 200000

// FilesystemTool gives agents access to host paths under an explicit
// allowlist. Paths are normalized before checking, so `..` segments cannot
// step out of an allowed prefix.
type FilesystemTool struct {
	allowed  []string
	maxBytes int
}

// NewFilesystemTool creates the tool. allowedPaths entries are cleaned; a
// relative entry is resolved against the current directory once, here, so
// the check at call time compares absolute paths only.
func NewFilesystemTool(allowedPaths []string) *FilesystemTool {
	t := &FilesystemTool{maxBytes: maxFileReadBytes}
	for _, p := range allowedPaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(filepath.Clean(p))
		if err != nil {
			continue
		}
		t.allowed = append(t.allowed, abs)
	}
	return t
}

func (t *FilesystemTool) Name() string { return "filesystem" }

func (t *FilesystemTool) Description() string {
	return "Read, write, list, delete, mkdir, or stat files under the hub's allowed paths."
}

func (t *FilesystemTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action: read, write, list, delete, mkdir, stat.",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Absolute path within an allowed prefix.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File content for write.",
			},
			"recursive": map[string]interface{}{
				"type":        "boolean",
				"description": "For delete: remove directories recursively.",
			},
		},
		"required": []string{"action", "path"},
	}
	return marshalSchema(schema)
}

func (t *FilesystemTool) Execute(ctx context.Context, call Call) (agent.ToolOutcome, error) {
	_ = ctx
	var input struct {
		Action    string `json:"action"`
		Path      string `json:"path"`
		Content   string `json:"content"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if action == "" {
		return toolError("action is required"), nil
	}

	path, err := t.resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	switch action {
	case "read":
		return t.read(path), nil
	case "write":
		return t.write(path, input.Content), nil
	case "list":
		return t.list(path), nil
	case "delete":
		return t.delete(path, input.Recursive), nil
	case "mkdir":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return toolError(fmt.Sprintf("mkdir: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"path": path, "created": true}), nil
	case "stat":
		return t.stat(path), nil
	default:
		return toolError(fmt.Sprintf("unsupported action: %s", action)), nil
	}
}

// resolve normalizes the path and checks it against the allowlist. The `..`
// check runs after Clean: an absolute path cannot keep dot-dot segments
// through Clean, so anything that still has them was relative and is
// rejected outright.
func (t *FilesystemTool) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal not allowed")
	}
	if !filepath.IsAbs(clean) {
		return "", fmt.Errorf("path must be absolute")
	}
	for _, prefix := range t.allowed {
		if clean == prefix || strings.HasPrefix(clean, prefix+string(os.PathSeparator)) {
			return clean, nil
		}
	}
	return "", fmt.Errorf("path not allowed: %s", clean)
}

func (t *FilesystemTool) read(path string) agent.ToolOutcome {
	info, err := os.Stat(path)
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err))
	}
	if info.IsDir() {
		return toolError("path is a directory; use list")
	}

	f, err := os.Open(path)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err))
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(f, int64(t.maxBytes)))
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err))
	}

	return jsonResult(map[string]interface{}{
		"path":      path,
		"content":   string(buf),
		"bytes":     len(buf),
		"truncated": info.Size() > int64(len(buf)),
	})
}

func (t *FilesystemTool) write(path, content string) agent.ToolOutcome {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return toolError(fmt.Sprintf("create parent: %v", err))
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err))
	}
	return jsonResult(map[string]interface{}{"path": path, "bytes_written": len(content)})
}

func (t *FilesystemTool) list(path string) agent.ToolOutcome {
	entries, err := os.ReadDir(path)
	if err != nil {
		return toolError(fmt.Sprintf("read directory: %v", err))
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		item := map[string]interface{}{"name": e.Name()}
		if e.IsDir() {
			item["type"] = "dir"
		} else {
			item["type"] = "file"
			if info, err := e.Info(); err == nil {
				item["size"] = info.Size()
			}
		}
		out = append(out, item)
	}
	return jsonResult(map[string]interface{}{"path": path, "entries": out})
}

func (t *FilesystemTool) delete(path string, recursive bool) agent.ToolOutcome {
	var err error
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return toolError(fmt.Sprintf("delete: %v", err))
	}
	return jsonResult(map[string]interface{}{"path": path, "deleted": true})
}

func (t *FilesystemTool) stat(path string) agent.ToolOutcome {
	info, err := os.Stat(path)
	if err != nil {
		return toolError(fmt.Sprintf("stat: %v", err))
	}
	return jsonResult(map[string]interface{}{
		"path":     path,
		"size":     info.Size(),
		"mode":     info.Mode().String(),
		"modified": info.ModTime(),
		"is_dir":   info.IsDir(),
	})
}
