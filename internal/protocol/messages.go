// Package protocol defines the wire messages exchanged over the hub's
// WebSocket planes. Every frame is a flat JSON object tagged by "type";
// requests may carry an "id" which responses echo back.
//
// Three families exist: client to hub, hub to client, and the admin plane
// (a distinct endpoint with its own token). The type strings are stable
// literals shared with browser clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/observability"
	"github.com/haasonsaas/agenthub/internal/schedule"
)

// Client to hub message types.
const (
	TypeAuth              = "auth"
	TypeSubscribeAgent    = "subscribe_agent"
	TypeUnsubscribeAgent  = "unsubscribe_agent"
	TypeSendMessage       = "send_message"
	TypeAgentAction       = "agent_action"
	TypePersistAgent      = "persist_agent"
	TypeRestoreAgent      = "restore_agent"
	TypeListHubAgents     = "list_hub_agents"
	TypeStateWriteThrough = "state_write_through"
	TypeDomStateUpdate    = "dom_state_update"
	TypeFileWriteThrough  = "file_write_through"
	TypePushSubscribe     = "push_subscribe"
	TypePushVerifyPin     = "push_verify_pin"
	TypePushUnsubscribe   = "push_unsubscribe"
	TypeVisibilityState   = "visibility_state"
	TypeBrowserToolResult = "browser_tool_result"
	TypeInterveneStart    = "intervene_start"
	TypeInterveneEnd      = "intervene_end"
)

// Hub to client message types.
const (
	TypeAuthResult          = "auth_result"
	TypeAgentState          = "agent_state"
	TypeAgentEvent          = "agent_event"
	TypeAgentLoopEvent      = "agent_loop_event"
	TypeConversationHistory = "conversation_history"
	TypeRestoreDomState     = "restore_dom_state"
	TypeStatePush           = "state_push"
	TypeFilePush            = "file_push"
	TypePersistResult       = "persist_result"
	TypeRestoreSession      = "restore_session"
	TypeHubAgentsList       = "hub_agents_list"
	TypeBrowserToolRequest  = "browser_tool_request"
	TypePushSubscribeResult = "push_subscribe_result"
	TypePushVerifyResult    = "push_verify_result"
	TypeVapidPublicKey      = "vapid_public_key"
	TypeInterveneResult     = "intervene_result"
	TypeError               = "error"
)

// Admin plane message types.
const (
	TypeAdminAuth         = "admin_auth"
	TypeListAgents        = "list_agents"
	TypeInspectAgent      = "inspect_agent"
	TypePauseAgent        = "pause_agent"
	TypeStopAgent         = "stop_agent"
	TypeKillAgent         = "kill_agent"
	TypeRemoveAgent       = "remove_agent"
	TypeListConnections   = "list_connections"
	TypeDisconnect        = "disconnect"
	TypeGetConfig         = "get_config"
	TypeReloadConfig      = "reload_config"
	TypeSubscribeLogs     = "subscribe_logs"
	TypeGetStats          = "get_stats"
	TypeGetUsage          = "get_usage"
	TypeGetAgentSchedules = "get_agent_schedules"
	TypeGetAgentLog       = "get_agent_log"
	TypeGetAgentDom       = "get_agent_dom"
	TypeNuke              = "nuke"

	TypeAgentsList      = "agents_list"
	TypeAgentInfo       = "agent_info"
	TypeConnectionsList = "connections_list"
	TypeConfig          = "config"
	TypeConfigReloaded  = "config_reloaded"
	TypeLogEntry        = "log_entry"
	TypeStats           = "stats"
	TypeUsage           = "usage"
	TypeAgentSchedules  = "agent_schedules"
	TypeAgentLog        = "agent_log"
	TypeAgentDom        = "agent_dom"
	TypeOK              = "ok"
)

// Actions accepted by agent_action. The first five mirror the runner
// lifecycle; start and reset_error let clients revive persisted or
// errored agents.
const (
	ActionPause      = "pause"
	ActionResume     = "resume"
	ActionStop       = "stop"
	ActionKill       = "kill"
	ActionRemove     = "remove"
	ActionStart      = "start"
	ActionResetError = "reset_error"
)

// Write-through actions.
const (
	WriteActionSet    = "set"
	WriteActionDelete = "delete"
	WriteActionWrite  = "write"
)

// Envelope is the part every frame shares. Decode it first to route by
// type; the id, when present, is echoed on the response.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ParseEnvelope peels type and id off a raw frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("frame missing type")
	}
	return env, nil
}

// --- Client to hub ---

type Auth struct {
	Envelope
	Token string `json:"token,omitempty"`
	// DeviceID ties this connection to a push device registration.
	DeviceID string `json:"deviceId,omitempty"`
}

type SubscribeAgent struct {
	Envelope
	AgentID string `json:"agentId"`
}

type UnsubscribeAgent struct {
	Envelope
	AgentID string `json:"agentId"`
}

// SendMessage appends a user message to an agent's conversation. Content
// is either a JSON string or an array of content blocks.
type SendMessage struct {
	Envelope
	AgentID string          `json:"agentId"`
	Content json.RawMessage `json:"content"`
}

// DecodeContent accepts the two content encodings of send_message: a bare
// string or a typed block array.
func DecodeContent(raw json.RawMessage) ([]agent.Block, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("content is required")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("invalid content: %w", err)
		}
		if s == "" {
			return nil, errors.New("content is empty")
		}
		return []agent.Block{agent.TextBlock(s)}, nil
	}
	var blocks []agent.Block
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		return nil, fmt.Errorf("invalid content: %w", err)
	}
	if len(blocks) == 0 {
		return nil, errors.New("content is empty")
	}
	return blocks, nil
}

type AgentAction struct {
	Envelope
	AgentID string `json:"agentId"`
	Action  string `json:"action"`
}

// PersistAgent promotes a client-local agent to a hub agent. Session is a
// serialized snapshot; AgentID is the client's local id and seeds the
// generated hub id.
type PersistAgent struct {
	Envelope
	AgentID string          `json:"agentId,omitempty"`
	Session json.RawMessage `json:"session"`
}

type RestoreAgent struct {
	Envelope
	AgentID string `json:"agentId"`
}

type ListHubAgents struct {
	Envelope
}

type StateWriteThrough struct {
	Envelope
	AgentID string          `json:"agentId"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Action  string          `json:"action"`
}

type DomStateUpdate struct {
	Envelope
	AgentID string         `json:"agentId"`
	Dom     agent.DomState `json:"domState"`
}

type FileWriteThrough struct {
	Envelope
	AgentID string `json:"agentId"`
	Path    string `json:"path"`
	// ContentBase64 carries the file body for write actions.
	ContentBase64 string `json:"contentBase64,omitempty"`
	Action        string `json:"action"`
}

// PushSubscribe registers a web push subscription descriptor for a device.
// The subscription stays unverified until the device echoes the PIN it
// received by push.
type PushSubscribe struct {
	Envelope
	DeviceID     string          `json:"deviceId"`
	Subscription json.RawMessage `json:"subscription"`
}

type PushVerifyPin struct {
	Envelope
	DeviceID string `json:"deviceId"`
	Pin      string `json:"pin"`
}

type PushUnsubscribe struct {
	Envelope
	DeviceID string `json:"deviceId"`
}

type VisibilityState struct {
	Envelope
	DeviceID string `json:"deviceId,omitempty"`
	Visible  bool   `json:"visible"`
}

// BrowserToolResult answers a browser_tool_request; RequestID matches the
// request frame's requestId.
type BrowserToolResult struct {
	Envelope
	AgentID   string          `json:"agentId"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}

type InterveneStart struct {
	Envelope
	AgentID string `json:"agentId"`
	Mode    string `json:"mode"`
}

type InterveneEnd struct {
	Envelope
	AgentID string `json:"agentId"`
}

// --- Hub to client ---

type AuthResult struct {
	Envelope
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	HubName  string `json:"hubName,omitempty"`
}

type AgentState struct {
	Envelope
	AgentID string      `json:"agentId"`
	State   agent.State `json:"state"`
	Busy    bool        `json:"busy"`
}

type AgentEvent struct {
	Envelope
	AgentID string            `json:"agentId"`
	Event   agent.RunnerEvent `json:"event"`
}

type AgentLoopEvent struct {
	Envelope
	AgentID string          `json:"agentId"`
	Event   agent.LoopEvent `json:"event"`
}

type ConversationHistory struct {
	Envelope
	AgentID  string          `json:"agentId"`
	Messages []agent.Message `json:"messages"`
}

type RestoreDomState struct {
	Envelope
	AgentID string          `json:"agentId"`
	Dom     *agent.DomState `json:"domState,omitempty"`
}

type StatePush struct {
	Envelope
	AgentID string          `json:"agentId"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Action  string          `json:"action"`
}

type FilePush struct {
	Envelope
	AgentID       string `json:"agentId"`
	Path          string `json:"path"`
	ContentBase64 string `json:"contentBase64,omitempty"`
	Action        string `json:"action"`
}

type PersistResult struct {
	Envelope
	HubAgentID string `json:"hubAgentId,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// RestoreSession carries the full serialized session back to a subscribed
// client. Session is null when the request was denied; the denial is
// indistinguishable from an unknown agent.
type RestoreSession struct {
	Envelope
	AgentID string                 `json:"agentId,omitempty"`
	Session *agent.SessionSnapshot `json:"session"`
}

// HubAgentSummary is one row of hub_agents_list.
type HubAgentSummary struct {
	AgentID   string      `json:"agentId"`
	Name      string      `json:"name"`
	State     agent.State `json:"state"`
	Busy      bool        `json:"busy"`
	CreatedAt time.Time   `json:"createdAt"`
}

type HubAgentsList struct {
	Envelope
	Agents []HubAgentSummary `json:"agents"`
}

type BrowserToolRequest struct {
	Envelope
	AgentID   string          `json:"agentId"`
	RequestID string          `json:"requestId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type PushSubscribeResult struct {
	Envelope
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type PushVerifyResult struct {
	Envelope
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type VapidPublicKey struct {
	Envelope
	Key string `json:"key"`
}

type InterveneResult struct {
	Envelope
	AgentID string `json:"agentId"`
	Granted bool   `json:"granted"`
	Mode    string `json:"mode,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ErrorMessage struct {
	Envelope
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// --- Admin plane ---

type AdminAuth struct {
	Envelope
	Token string `json:"token"`
}

// AdminAgentOp covers inspect_agent, pause_agent, stop_agent, kill_agent,
// remove_agent, get_agent_schedules, get_agent_dom.
type AdminAgentOp struct {
	Envelope
	AgentID string `json:"agentId"`
}

type Disconnect struct {
	Envelope
	ConnectionID string `json:"connectionId"`
}

type SubscribeLogs struct {
	Envelope
	Level string `json:"level,omitempty"`
}

type GetAgentLog struct {
	Envelope
	AgentID string `json:"agentId"`
	Limit   int    `json:"limit,omitempty"`
}

// Nuke removes every agent and its on-disk state. Confirm must be true.
type Nuke struct {
	Envelope
	Confirm bool `json:"confirm"`
}

// AdminAgentSummary is one row of agents_list.
type AdminAgentSummary struct {
	AgentID     string      `json:"agentId"`
	Name        string      `json:"name"`
	Model       string      `json:"model"`
	State       agent.State `json:"state"`
	Busy        bool        `json:"busy"`
	InboxLen    int         `json:"inboxLen"`
	Subscribers int         `json:"subscribers"`
	TotalTokens int64       `json:"totalTokens"`
	TotalCost   float64     `json:"totalCost"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type AgentsList struct {
	Envelope
	Agents []AdminAgentSummary `json:"agents"`
}

type AgentInfo struct {
	Envelope
	AgentID       string             `json:"agentId"`
	Config        *agent.AgentConfig `json:"config"`
	State         agent.State        `json:"state"`
	Busy          bool               `json:"busy"`
	Usage         agent.UsageTotals  `json:"usage"`
	InboxLen      int                `json:"inboxLen"`
	Subscribers   int                `json:"subscribers"`
	ScheduleCount int                `json:"scheduleCount"`
	Messages      int                `json:"messages"`
}

// ConnectionSummary is one row of connections_list.
type ConnectionSummary struct {
	ID               string    `json:"id"`
	RemoteAddr       string    `json:"remoteAddr"`
	Authenticated    bool      `json:"authenticated"`
	SubscribedAgents []string  `json:"subscribedAgents"`
	DeviceID         string    `json:"deviceId,omitempty"`
	ConnectedAt      time.Time `json:"connectedAt"`
}

type ConnectionsList struct {
	Envelope
	Connections []ConnectionSummary `json:"connections"`
}

// ConfigPayload carries the effective config with secrets redacted.
type ConfigPayload struct {
	Envelope
	Config json.RawMessage `json:"config"`
}

type ConfigReloaded struct {
	Envelope
	Changed []string `json:"changed,omitempty"`
}

type LogEntry struct {
	Envelope
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

type Stats struct {
	Envelope
	Stats observability.StatsSnapshot `json:"stats"`
}

// AgentUsage is one row of the usage report.
type AgentUsage struct {
	AgentID     string  `json:"agentId"`
	Name        string  `json:"name"`
	TotalTokens int64   `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
}

type Usage struct {
	Envelope
	Agents      []AgentUsage `json:"agents"`
	TotalTokens int64        `json:"totalTokens"`
	TotalCost   float64      `json:"totalCost"`
}

type AgentSchedules struct {
	Envelope
	AgentID   string           `json:"agentId"`
	Schedules []schedule.Entry `json:"schedules"`
}

type AgentLog struct {
	Envelope
	AgentID  string          `json:"agentId"`
	Messages []agent.Message `json:"messages"`
}

type AgentDom struct {
	Envelope
	AgentID string          `json:"agentId"`
	Dom     *agent.DomState `json:"domState,omitempty"`
}

type OK struct {
	Envelope
	Detail string `json:"detail,omitempty"`
}

// --- Constructors for common outbound frames ---

func env(typ, id string) Envelope { return Envelope{Type: typ, ID: id} }

// NewError builds an error frame echoing the request id when present.
func NewError(id, message, code string) *ErrorMessage {
	return &ErrorMessage{Envelope: env(TypeError, id), Message: message, Code: code}
}

func NewAuthResult(id string, success bool, errMsg string) *AuthResult {
	return &AuthResult{Envelope: env(TypeAuthResult, id), Success: success, Error: errMsg}
}

func NewAgentState(agentID string, state agent.State, busy bool) *AgentState {
	return &AgentState{Envelope: env(TypeAgentState, ""), AgentID: agentID, State: state, Busy: busy}
}

func NewAgentEvent(ev agent.RunnerEvent) *AgentEvent {
	return &AgentEvent{Envelope: env(TypeAgentEvent, ""), AgentID: ev.AgentID, Event: ev}
}

func NewAgentLoopEvent(ev agent.LoopEvent) *AgentLoopEvent {
	return &AgentLoopEvent{Envelope: env(TypeAgentLoopEvent, ""), AgentID: ev.AgentID, Event: ev}
}

func NewOK(id, detail string) *OK {
	return &OK{Envelope: env(TypeOK, id), Detail: detail}
}

// Marshal encodes a frame for the wire. Frames are plain structs; an
// encoding failure is a programming error surfaced to the caller.
func Marshal(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
