package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Stop reasons returned by adapters.
const (
	StopEndTurn      = "end_turn"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
)

// ApiRequest is one completion request handed to an adapter.
type ApiRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDecl
	MaxTokens    int
}

// StreamEvent is one streaming event from an adapter, forwarded verbatim to
// loop subscribers.
type StreamEvent struct {
	Type         string
	Text         string
	ToolUseID    string
	ToolName     string
	Delta        string
	InputTokens  int64
	OutputTokens int64
}

// FinalMessage is the adapter's completed assistant turn.
type FinalMessage struct {
	Content      []Block
	StopReason   string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// SendApiRequest streams one completion for the given provider. Adapters
// call emit for each stream event (emit may be nil) and return the finalized
// message. Implementations must honor ctx cancellation at every receive.
type SendApiRequest func(ctx context.Context, provider string, req ApiRequest, emit func(StreamEvent)) (*FinalMessage, error)

// AdapterError wraps a provider failure: non-2xx status, malformed stream,
// or dropped connection.
type AdapterError struct {
	Provider string
	Status   int
	Err      error
}

func (e *AdapterError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("adapter %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("adapter %s: %v", e.Provider, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ToolOutcome is a tool call's result as appended to the conversation.
type ToolOutcome struct {
	Content []Block
	IsError bool
}

// ErrorOutcome builds a tool_result-shaped error payload.
func ErrorOutcome(msg string) ToolOutcome {
	return ToolOutcome{Content: []Block{TextBlock(msg)}, IsError: true}
}

// TextOutcome builds a plain text result.
func TextOutcome(s string) ToolOutcome {
	return ToolOutcome{Content: []Block{TextBlock(s)}}
}

// ToolExecutor runs tool calls for the runner and exposes the declaration
// set the LLM sees. The tool pipeline implements it.
type ToolExecutor interface {
	Declarations(cfg *AgentConfig) []ToolDecl
	ExecuteTool(ctx context.Context, agentID, name string, input json.RawMessage) ToolOutcome
}
