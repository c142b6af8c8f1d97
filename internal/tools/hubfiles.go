package tools

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/store"
)

// maxArchiveBytes caps pack output and unpack input. Session handoffs move
// working notes, not datasets.
const maxArchiveBytes = 10 << 20

// HubFilesTool operates on the agent's files directory inside the hub store.
// Unlike the filesystem tool it needs no allowlist: every path is relative
// to the agent's own root and the store rejects escapes. pack and unpack
// move the whole directory as a base64 tar.gz for session handoff.
type HubFilesTool struct {
	store *store.AgentStore
}

// NewHubFilesTool creates the tool.
func NewHubFilesTool(s *store.AgentStore) *HubFilesTool {
	return &HubFilesTool{store: s}
}

func (t *HubFilesTool) Name() string { return "hub_files" }

func (t *HubFilesTool) Description() string {
	return "Manage files in the agent's persistent store directory. pack/unpack move the whole directory as an archive."
}

func (t *HubFilesTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action: read, write, list, delete, stat, pack, unpack.",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path relative to the agent's files root.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File content for write.",
			},
			"archive": map[string]interface{}{
				"type":        "string",
				"description": "Base64 tar.gz payload for unpack.",
			},
		},
		"required": []string{"action"},
	}
	return marshalSchema(schema)
}

func (t *HubFilesTool) Execute(ctx context.Context, call Call) (agent.ToolOutcome, error) {
	_ = ctx
	if t.store == nil {
		return toolError("agent store unavailable"), nil
	}
	var input struct {
		Action  string `json:"action"`
		Path    string `json:"path"`
		Content string `json:"content"`
		Archive string `json:"archive"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if action == "" {
		return toolError("action is required"), nil
	}

	switch action {
	case "read":
		data, err := t.store.ReadFile(call.AgentID, input.Path)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return toolError("file not found: " + input.Path), nil
			}
			return toolError(fmt.Sprintf("read file: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"path":    input.Path,
			"content": string(data),
			"bytes":   len(data),
		}), nil

	case "write":
		if err := t.store.WriteFile(call.AgentID, input.Path, []byte(input.Content)); err != nil {
			return toolError(fmt.Sprintf("write file: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"path":          input.Path,
			"bytes_written": len(input.Content),
		}), nil

	case "list":
		manifest, err := t.store.BuildManifest(call.AgentID)
		if err != nil {
			return toolError(fmt.Sprintf("list files: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"files": manifest}), nil

	case "delete":
		if err := t.store.DeleteFile(call.AgentID, input.Path); err != nil {
			return toolError(fmt.Sprintf("delete file: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{"path": input.Path, "deleted": true}), nil

	case "stat":
		path, err := t.store.ResolveFile(call.AgentID, input.Path)
		if err != nil {
			return toolError(err.Error()), nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return toolError(fmt.Sprintf("stat: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"path":     input.Path,
			"size":     info.Size(),
			"modified": info.ModTime(),
			"is_dir":   info.IsDir(),
		}), nil

	case "pack":
		return t.pack(call.AgentID), nil

	case "unpack":
		return t.unpack(call.AgentID, input.Archive), nil

	default:
		return toolError(fmt.Sprintf("unsupported action: %s", action)), nil
	}
}

// pack archives the agent's files directory as base64 tar.gz.
func (t *HubFilesTool) pack(agentID string) agent.ToolOutcome {
	manifest, err := t.store.BuildManifest(agentID)
	if err != nil {
		return toolError(fmt.Sprintf("pack: %v", err))
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, entry := range manifest {
		data, err := t.store.ReadFile(agentID, entry.Path)
		if err != nil {
			return toolError(fmt.Sprintf("pack %s: %v", entry.Path, err))
		}
		hdr := &tar.Header{
			Name:    entry.Path,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: entry.ModTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return toolError(fmt.Sprintf("pack %s: %v", entry.Path, err))
		}
		if _, err := tw.Write(data); err != nil {
			return toolError(fmt.Sprintf("pack %s: %v", entry.Path, err))
		}
		if buf.Len() > maxArchiveBytes {
			return toolError(fmt.Sprintf("archive exceeds %d MB", maxArchiveBytes>>20))
		}
	}
	if err := tw.Close(); err != nil {
		return toolError(fmt.Sprintf("pack: %v", err))
	}
	if err := gz.Close(); err != nil {
		return toolError(fmt.Sprintf("pack: %v", err))
	}

	return jsonResult(map[string]interface{}{
		"archive": base64.StdEncoding.EncodeToString(buf.Bytes()),
		"files":   len(manifest),
		"bytes":   buf.Len(),
	})
}

// unpack restores files from a base64 tar.gz into the agent's files root.
// Entry paths go through the store's resolver, so an archive cannot plant
// files outside the root.
func (t *HubFilesTool) unpack(agentID, archive string) agent.ToolOutcome {
	if strings.TrimSpace(archive) == "" {
		return toolError("archive is required")
	}
	raw, err := base64.StdEncoding.DecodeString(archive)
	if err != nil {
		return toolError(fmt.Sprintf("decode archive: %v", err))
	}
	if len(raw) > maxArchiveBytes {
		return toolError(fmt.Sprintf("archive exceeds %d MB", maxArchiveBytes>>20))
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return toolError(fmt.Sprintf("open archive: %v", err))
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	written := 0
	total := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return toolError(fmt.Sprintf("read archive: %v", err))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		remaining := maxArchiveBytes - total
		data, err := io.ReadAll(io.LimitReader(tr, int64(remaining)+1))
		if err != nil {
			return toolError(fmt.Sprintf("read %s: %v", hdr.Name, err))
		}
		total += len(data)
		if total > maxArchiveBytes {
			return toolError(fmt.Sprintf("unpacked content exceeds %d MB", maxArchiveBytes>>20))
		}
		if err := t.store.WriteFile(agentID, hdr.Name, data); err != nil {
			return toolError(fmt.Sprintf("unpack %s: %v", hdr.Name, err))
		}
		written++
	}
	return jsonResult(map[string]interface{}{"files": written, "bytes": total})
}
