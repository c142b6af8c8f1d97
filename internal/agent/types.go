// Package agent implements the hub's per-agent runner: the turn loop, the
// conversation log, the state/storage containers, and the lifecycle state
// machine. One Runner drives one agent; the Registry owns all runners.
package agent

import (
	"encoding/json"
	"time"
)

// AgentConfig is the immutable per-turn snapshot of an agent's settings.
// Mutations go through Runner.UpdateConfig, which swaps in a fresh copy; a
// turn in flight keeps observing the snapshot it started with.
type AgentConfig struct {
	// ID is stable across hub restarts.
	ID   string `json:"id"`
	Name string `json:"name"`

	Model    string `json:"model"`
	Provider string `json:"provider"`

	SystemPrompt string `json:"systemPrompt,omitempty"`

	// Tools are the declarations visible to the LLM beyond the hub-injected
	// set.
	Tools []ToolDecl `json:"tools,omitempty"`

	// MaxTokens caps a single response.
	MaxTokens int `json:"maxTokens,omitempty"`

	// TokenBudget and CostBudgetUSD are lifetime budgets; zero means
	// unlimited.
	TokenBudget   int64   `json:"tokenBudget,omitempty"`
	CostBudgetUSD float64 `json:"costBudgetUsd,omitempty"`

	Network     *NetworkPolicy      `json:"network,omitempty"`
	Permissions *SandboxPermissions `json:"permissions,omitempty"`

	// Skills names the skill tools enabled for this agent.
	Skills []string `json:"skills,omitempty"`
}

// NetworkPolicy gates outbound network access for an agent's tools.
type NetworkPolicy struct {
	// Mode is one of "allow-all", "allowlist", "blocklist".
	Mode    string   `json:"mode"`
	Domains []string `json:"domains,omitempty"`
}

// SandboxPermissions mirrors browser permission grants for the agent's
// browser contexts.
type SandboxPermissions struct {
	Camera      bool `json:"camera,omitempty"`
	Microphone  bool `json:"microphone,omitempty"`
	Geolocation bool `json:"geolocation,omitempty"`
}

// ToolDecl is a tool declaration as presented to the LLM.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Clone returns a deep copy so copy-on-write updates cannot alias.
func (c *AgentConfig) Clone() *AgentConfig {
	if c == nil {
		return nil
	}
	out := *c
	if len(c.Tools) > 0 {
		out.Tools = make([]ToolDecl, len(c.Tools))
		for i, t := range c.Tools {
			out.Tools[i] = t
			if len(t.InputSchema) > 0 {
				out.Tools[i].InputSchema = append(json.RawMessage(nil), t.InputSchema...)
			}
		}
	}
	if c.Network != nil {
		n := *c.Network
		n.Domains = append([]string(nil), c.Network.Domains...)
		out.Network = &n
	}
	if c.Permissions != nil {
		p := *c.Permissions
		out.Permissions = &p
	}
	out.Skills = append([]string(nil), c.Skills...)
	return &out
}

// State is a runner's lifecycle state.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateError   State = "error"
	StateKilled  State = "killed"
)

// Terminal reports whether the state accepts no further messages.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateKilled || s == StateError
}

// Metadata travels with a session snapshot.
type Metadata struct {
	CreatedAt    time.Time `json:"createdAt"`
	TotalTokens  int64     `json:"totalTokens"`
	TotalCost    float64   `json:"totalCost"`
	SerializedAt time.Time `json:"serializedAt"`
}
