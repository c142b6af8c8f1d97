// Package tools implements the hub's tool surface: the built-in tools agents
// call, the hook engine that screens calls, and the pipeline that mediates
// every execution. The pipeline is the only path from a runner's tool_use
// block to a side effect; nothing dispatches a tool around it.
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agenthub/internal/agent"
)

// Tool is one callable in the pipeline's dispatch table.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage

	// Execute runs the call. Expected failures (bad input, missing files,
	// quota hits) come back as an IsError outcome; the error return is for
	// faults the tool could not turn into a result.
	Execute(ctx context.Context, call Call) (agent.ToolOutcome, error)
}

// Call carries one invocation through the pipeline: identity, raw input, and
// the runner handles a tool may need. Runner is nil when the registry no
// longer knows the agent, for example a scheduler fire racing a kill; tools
// that need it must check.
type Call struct {
	AgentID string
	Tool    string
	Input   json.RawMessage

	Runner *agent.Runner
	Config *agent.AgentConfig
}

// inputMap decodes the call input into a generic map. A nil or empty input
// yields an empty map rather than an error so hooks can match on absence.
func (c Call) inputMap() (map[string]any, error) {
	if len(c.Input) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Input, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func toolError(message string) agent.ToolOutcome {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return agent.ErrorOutcome(message)
	}
	return agent.ToolOutcome{Content: []agent.Block{agent.TextBlock(string(payload))}, IsError: true}
}

func jsonResult(v interface{}) agent.ToolOutcome {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("encode result: " + err.Error())
	}
	return agent.TextOutcome(string(payload))
}

// marshalSchema renders a schema map, falling back to a permissive object
// schema if the map does not marshal.
func marshalSchema(schema map[string]interface{}) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
