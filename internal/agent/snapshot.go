package agent

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/agenthub/internal/schedule"
)

// SnapshotVersion marks the session.json layout.
const SnapshotVersion = 1

// FileEntry is one row in a snapshot's files manifest.
type FileEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// SessionSnapshot is the persisted form of one agent. The store fills Files
// from the agent's files directory at save time.
type SessionSnapshot struct {
	Version         int                        `json:"version"`
	Config          *AgentConfig               `json:"config"`
	Lifecycle       State                      `json:"lifecycleState"`
	Conversation    []Message                  `json:"conversation"`
	Metadata        Metadata                   `json:"metadata"`
	State           map[string]json.RawMessage `json:"state,omitempty"`
	EscalationRules []EscalationRule           `json:"escalationRules,omitempty"`
	Storage         map[string]json.RawMessage `json:"storage,omitempty"`
	Dom             *DomState                  `json:"dom,omitempty"`
	Schedules       []schedule.Entry           `json:"schedules,omitempty"`
	Files           []FileEntry                `json:"files,omitempty"`
}

// SnapshotSaver persists session snapshots. The store package implements it;
// tests substitute fakes.
type SnapshotSaver interface {
	SaveSession(agentID string, snap *SessionSnapshot) error
}
