package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agenthub/internal/agent"
)

// StorageTool is the plain key/value sibling of hub_state: same quotas, no
// escalation rules, meant for working data rather than watched status.
type StorageTool struct{}

// NewStorageTool creates the tool.
func NewStorageTool() *StorageTool { return &StorageTool{} }

func (t *StorageTool) Name() string { return "hub_storage" }

func (t *StorageTool) Description() string {
	return "Get, set, delete, or list keys in the agent's persistent storage."
}

func (t *StorageTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action: get, set, delete, list.",
			},
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Storage key.",
			},
			"value": map[string]interface{}{
				"description": "JSON value for set.",
			},
		},
		"required": []string{"action"},
	}
	return marshalSchema(schema)
}

func (t *StorageTool) Execute(ctx context.Context, call Call) (agent.ToolOutcome, error) {
	_ = ctx
	if call.Runner == nil {
		return toolError("agent not found: " + call.AgentID), nil
	}
	storage := call.Runner.Storage()

	var input struct {
		Action string          `json:"action"`
		Key    string          `json:"key"`
		Value  json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if action == "" {
		return toolError("action is required"), nil
	}

	switch action {
	case "get":
		if input.Key == "" {
			return toolError("key is required"), nil
		}
		value, ok := storage.Get(input.Key)
		return jsonResult(map[string]interface{}{
			"key":    input.Key,
			"value":  value,
			"exists": ok,
		}), nil

	case "set":
		if input.Key == "" {
			return toolError("key is required"), nil
		}
		if len(input.Value) == 0 {
			return toolError("value is required"), nil
		}
		if err := storage.Set(input.Key, input.Value); err != nil {
			return toolError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"key": input.Key, "stored": true}), nil

	case "delete":
		if input.Key == "" {
			return toolError("key is required"), nil
		}
		deleted := storage.Delete(input.Key)
		return jsonResult(map[string]interface{}{"key": input.Key, "deleted": deleted}), nil

	case "list":
		return jsonResult(map[string]interface{}{"keys": storage.Keys()}), nil

	default:
		return toolError(fmt.Sprintf("unsupported action: %s", action)), nil
	}
}
