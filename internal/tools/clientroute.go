package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/agenthub/internal/agent"
)

// routeTimeout bounds how long a routed call waits for the client to answer.
const routeTimeout = 60 * time.Second

// ErrNoClient reports that no subscribed client can serve a routed call.
var ErrNoClient = errors.New("no client subscribed")

// ClientRouter forwards a tool call to a client subscribed to the agent and
// waits for the matching response frame. The hub implements it; the pipeline
// uses it for tools declared in an agent's config.
type ClientRouter interface {
	RouteToolCall(ctx context.Context, agentID, tool string, input json.RawMessage) (result json.RawMessage, isError bool, err error)
}

func routeToClient(ctx context.Context, router ClientRouter, call Call) agent.ToolOutcome {
	if router == nil {
		return toolError("no client connected to handle tool: " + call.Tool)
	}

	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	raw, isErr, err := router.RouteToolCall(ctx, call.AgentID, call.Tool, call.Input)
	switch {
	case errors.Is(err, ErrNoClient):
		return toolError("no client connected to handle tool: " + call.Tool)
	case errors.Is(err, context.DeadlineExceeded):
		return toolError(fmt.Sprintf("client did not answer %s within %s", call.Tool, routeTimeout))
	case err != nil:
		return toolError("client tool failed: " + err.Error())
	}

	if len(raw) == 0 {
		return agent.TextOutcome("")
	}
	return agent.ToolOutcome{
		Content: []agent.Block{agent.TextBlock(string(raw))},
		IsError: isErr,
	}
}
