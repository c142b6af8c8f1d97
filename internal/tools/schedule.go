package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/schedule"
)

// ScheduleTool lets an agent manage its own schedule entries. All
// validation lives in the scheduler; the tool shapes input and surfaces
// errors.
type ScheduleTool struct {
	sched *schedule.Scheduler
}

// NewScheduleTool creates the tool.
func NewScheduleTool(s *schedule.Scheduler) *ScheduleTool {
	return &ScheduleTool{sched: s}
}

func (t *ScheduleTool) Name() string { return "schedule" }

func (t *ScheduleTool) Description() string {
	return "Manage this agent's schedules: wake on a cron expression or a named event, delivering a message or running a tool."
}

func (t *ScheduleTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action: add, remove, enable, disable, list.",
			},
			"type": map[string]interface{}{
				"type":        "string",
				"description": "Trigger type for add: cron or event.",
			},
			"cron_expression": map[string]interface{}{
				"type":        "string",
				"description": "Five-field cron expression for cron triggers.",
			},
			"event_name": map[string]interface{}{
				"type":        "string",
				"description": "Event name for event triggers.",
			},
			"event_condition": map[string]interface{}{
				"type":        "string",
				"description": "Optional condition on the event payload.",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message delivered when the schedule fires. Mutually exclusive with tool.",
			},
			"tool": map[string]interface{}{
				"type":        "string",
				"description": "Tool to run when the schedule fires. Mutually exclusive with message.",
			},
			"tool_input": map[string]interface{}{
				"type":        "object",
				"description": "Input for the scheduled tool.",
			},
			"max_runs": map[string]interface{}{
				"type":        "integer",
				"description": "Disable after this many runs (0 = unlimited).",
				"minimum":     0,
			},
			"id": map[string]interface{}{
				"type":        "integer",
				"description": "Schedule id for remove, enable, disable.",
			},
		},
		"required": []string{"action"},
	}
	return marshalSchema(schema)
}

func (t *ScheduleTool) Execute(ctx context.Context, call Call) (agent.ToolOutcome, error) {
	_ = ctx
	if t.sched == nil {
		return toolError("scheduler unavailable"), nil
	}
	var input struct {
		Action         string          `json:"action"`
		Type           string          `json:"type"`
		CronExpression string          `json:"cron_expression"`
		EventName      string          `json:"event_name"`
		EventCondition string          `json:"event_condition"`
		Message        string          `json:"message"`
		Tool           string          `json:"tool"`
		ToolInput      json.RawMessage `json:"tool_input"`
		MaxRuns        int             `json:"max_runs"`
		ID             int64           `json:"id"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if action == "" {
		return toolError("action is required"), nil
	}

	switch action {
	case "add":
		entry := schedule.Entry{
			AgentID:        call.AgentID,
			Type:           schedule.TriggerType(strings.ToLower(strings.TrimSpace(input.Type))),
			CronExpression: input.CronExpression,
			EventName:      input.EventName,
			EventCondition: input.EventCondition,
			Message:        input.Message,
			Tool:           input.Tool,
			ToolInput:      input.ToolInput,
			MaxRuns:        input.MaxRuns,
			Enabled:        true,
		}
		id, err := t.sched.AddSchedule(entry)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"id": id, "added": true}), nil

	case "remove":
		if input.ID == 0 {
			return toolError("id is required"), nil
		}
		if err := t.sched.RemoveSchedule(call.AgentID, input.ID); err != nil {
			return toolError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"id": input.ID, "removed": true}), nil

	case "enable", "disable":
		if input.ID == 0 {
			return toolError("id is required"), nil
		}
		var err error
		if action == "enable" {
			err = t.sched.EnableSchedule(call.AgentID, input.ID)
		} else {
			err = t.sched.DisableSchedule(call.AgentID, input.ID)
		}
		if err != nil {
			return toolError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"id": input.ID, "enabled": action == "enable"}), nil

	case "list":
		return jsonResult(map[string]interface{}{
			"schedules": t.sched.Schedules(call.AgentID),
		}), nil

	default:
		return toolError(fmt.Sprintf("unsupported action: %s", action)), nil
	}
}
