// Package schedule wakes agents on cron expressions and named events, or
// runs a tool on their behalf without an LLM turn.
package schedule

import (
	"context"
	"encoding/json"
	"time"
)

// TriggerType identifies how an entry fires.
type TriggerType string

const (
	TriggerCron  TriggerType = "cron"
	TriggerEvent TriggerType = "event"
)

// MaxPerAgent caps how many entries one agent may hold.
const MaxPerAgent = 10

// Entry is one schedule. Exactly one of Message/Tool is set; CronExpression
// or EventName depending on Type.
type Entry struct {
	ID      int64       `json:"id"`
	AgentID string      `json:"hubAgentId"`
	Type    TriggerType `json:"type"`

	CronExpression string `json:"cronExpression,omitempty"`
	EventName      string `json:"eventName,omitempty"`
	EventCondition string `json:"eventCondition,omitempty"`

	Message   string          `json:"message,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`

	// MaxRuns disables the entry once RunCount reaches it; zero means
	// unlimited.
	MaxRuns int  `json:"maxRuns,omitempty"`
	Enabled bool `json:"enabled"`

	RunCount  int        `json:"runCount"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	out := e
	if len(e.ToolInput) > 0 {
		out.ToolInput = append(json.RawMessage(nil), e.ToolInput...)
	}
	if e.LastRunAt != nil {
		t := *e.LastRunAt
		out.LastRunAt = &t
	}
	return out
}

// AgentGateway is the scheduler's view of the agent registry. The hub wires
// it; tests fake it.
type AgentGateway interface {
	// AgentStatus reports whether the agent exists, is in the running
	// state, and is mid turn.
	AgentStatus(agentID string) (running, busy, ok bool)

	// SendMessage delivers a user message, starting a turn if the agent is
	// idle.
	SendMessage(agentID, text string) error

	// EnqueueInfo appends an info message without waking the agent.
	EnqueueInfo(agentID, text string)

	// ExecuteTool runs a tool through the pipeline on the agent's behalf.
	ExecuteTool(ctx context.Context, agentID, tool string, input json.RawMessage) (result string, isError bool, err error)
}
