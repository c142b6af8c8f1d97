package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agenthub/internal/agent"
)

// StateTool exposes the agent's semantic state container: quota-enforced
// key/value pairs plus the escalation rules that watch them.
type StateTool struct{}

// NewStateTool creates the tool.
func NewStateTool() *StateTool { return &StateTool{} }

func (t *StateTool) Name() string { return "hub_state" }

func (t *StateTool) Description() string {
	return "Get or set agent state keys and manage escalation rules that fire when a state value satisfies a condition."
}

func (t *StateTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action: get, get_all, set, delete, escalation_rules, escalate, clear_escalation.",
			},
			"key": map[string]interface{}{
				"type":        "string",
				"description": "State key.",
			},
			"value": map[string]interface{}{
				"description": "JSON value for set.",
			},
			"condition": map[string]interface{}{
				"type":        "string",
				"description": "Escalation condition, e.g. \"> 10\", \"== \\\"failed\\\"\", \"changed\".",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message delivered when the escalation fires. Without one, a scheduler event named after the key is raised.",
			},
		},
		"required": []string{"action"},
	}
	return marshalSchema(schema)
}

func (t *StateTool) Execute(ctx context.Context, call Call) (agent.ToolOutcome, error) {
	_ = ctx
	if call.Runner == nil {
		return toolError("agent not found: " + call.AgentID), nil
	}
	states := call.Runner.StateStore()

	var input struct {
		Action    string          `json:"action"`
		Key       string          `json:"key"`
		Value     json.RawMessage `json:"value"`
		Condition string          `json:"condition"`
		Message   string          `json:"message"`
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
		value, ok := states.Get(input.Key)
		return jsonResult(map[string]interface{}{
			"key":    input.Key,
			"value":  value,
			"exists": ok,
		}), nil

	case "get_all":
		return jsonResult(map[string]interface{}{"state": states.All()}), nil

	case "set":
		if input.Key == "" {
			return toolError("key is required"), nil
		}
		if len(input.Value) == 0 {
			return toolError("value is required"), nil
		}
		if err := states.Set(input.Key, input.Value); err != nil {
			return toolError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"key": input.Key, "stored": true}), nil

	case "delete":
		if input.Key == "" {
			return toolError("key is required"), nil
		}
		deleted := states.Delete(input.Key)
		return jsonResult(map[string]interface{}{"key": input.Key, "deleted": deleted}), nil

	case "escalation_rules":
		return jsonResult(map[string]interface{}{"rules": states.Rules()}), nil

	case "escalate":
		if input.Key == "" {
			return toolError("key is required"), nil
		}
		if strings.TrimSpace(input.Condition) == "" {
			return toolError("condition is required"), nil
		}
		rule := agent.EscalationRule{
			Key:       input.Key,
			Condition: input.Condition,
			Message:   input.Message,
		}
		if err := states.AddRule(rule); err != nil {
			return toolError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"key": input.Key, "added": true}), nil

	case "clear_escalation":
		cleared := states.ClearRules(input.Key)
		return jsonResult(map[string]interface{}{"cleared": cleared}), nil

	default:
		return toolError(fmt.Sprintf("unsupported action: %s", action)), nil
	}
}
