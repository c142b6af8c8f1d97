package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	client  map[string]*jsonschema.Schema
	admin   map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		frame, err := jsonschema.CompileString("frame", frameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.frame = frame

		schemas.client, err = compileAll("client", clientSchemas)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.admin, err = compileAll("admin", adminSchemas)
		if err != nil {
			schemas.initErr = err
		}
	})
	return schemas.initErr
}

func compileAll(prefix string, sources map[string]string) (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(sources))
	for name, src := range sources {
		schema, err := jsonschema.CompileString(prefix+"_"+name, src)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema %s: %w", prefix, name, err)
		}
		compiled[name] = schema
	}
	return compiled, nil
}

// ValidateClientFrame checks a raw client-plane frame against the envelope
// schema and, when the type is known, its per-type schema. Unknown types
// pass here and are rejected at dispatch.
func ValidateClientFrame(typ string, raw []byte) error {
	return validateFrame(typ, raw, func() map[string]*jsonschema.Schema { return schemas.client })
}

// ValidateAdminFrame is ValidateClientFrame for the admin plane.
func ValidateAdminFrame(typ string, raw []byte) error {
	return validateFrame(typ, raw, func() map[string]*jsonschema.Schema { return schemas.admin })
}

func validateFrame(typ string, raw []byte, pick func() map[string]*jsonschema.Schema) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schemas.frame.Validate(payload); err != nil {
		return err
	}
	if schema := pick()[typ]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return err
		}
	}
	return nil
}

const frameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string" }
  },
  "additionalProperties": true
}`

const agentIDOnlySchema = `{
  "type": "object",
  "required": ["agentId"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const deviceIDOnlySchema = `{
  "type": "object",
  "required": ["deviceId"],
  "properties": {
    "deviceId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const emptySchema = `{
  "type": "object",
  "additionalProperties": true
}`

var clientSchemas = map[string]string{
	TypeAuth: `{
  "type": "object",
  "properties": {
    "token": { "type": "string" },
    "deviceId": { "type": "string" }
  },
  "additionalProperties": true
}`,
	TypeSubscribeAgent:   agentIDOnlySchema,
	TypeUnsubscribeAgent: agentIDOnlySchema,
	TypeSendMessage: `{
  "type": "object",
  "required": ["agentId", "content"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "content": {}
  },
  "additionalProperties": true
}`,
	TypeAgentAction: `{
  "type": "object",
  "required": ["agentId", "action"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "action": { "enum": ["pause", "resume", "stop", "kill", "remove", "start", "reset_error"] }
  },
  "additionalProperties": true
}`,
	TypePersistAgent: `{
  "type": "object",
  "required": ["session"],
  "properties": {
    "agentId": { "type": "string" },
    "session": { "type": "object" }
  },
  "additionalProperties": true
}`,
	TypeRestoreAgent:  agentIDOnlySchema,
	TypeListHubAgents: emptySchema,
	TypeStateWriteThrough: `{
  "type": "object",
  "required": ["agentId", "key", "action"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "key": { "type": "string", "minLength": 1 },
    "value": {},
    "action": { "enum": ["set", "delete"] }
  },
  "additionalProperties": true
}`,
	TypeDomStateUpdate: `{
  "type": "object",
  "required": ["agentId", "domState"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "domState": { "type": "object" }
  },
  "additionalProperties": true
}`,
	TypeFileWriteThrough: `{
  "type": "object",
  "required": ["agentId", "path", "action"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "path": { "type": "string", "minLength": 1 },
    "contentBase64": { "type": "string" },
    "action": { "enum": ["write", "delete"] }
  },
  "additionalProperties": true
}`,
	TypePushSubscribe: `{
  "type": "object",
  "required": ["deviceId", "subscription"],
  "properties": {
    "deviceId": { "type": "string", "minLength": 1 },
    "subscription": { "type": "object" }
  },
  "additionalProperties": true
}`,
	TypePushVerifyPin: `{
  "type": "object",
  "required": ["deviceId", "pin"],
  "properties": {
    "deviceId": { "type": "string", "minLength": 1 },
    "pin": { "type": "string", "pattern": "^[0-9]{4}$" }
  },
  "additionalProperties": true
}`,
	TypePushUnsubscribe: deviceIDOnlySchema,
	TypeVisibilityState: `{
  "type": "object",
  "required": ["visible"],
  "properties": {
    "deviceId": { "type": "string" },
    "visible": { "type": "boolean" }
  },
  "additionalProperties": true
}`,
	TypeBrowserToolResult: `{
  "type": "object",
  "required": ["agentId", "requestId"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "requestId": { "type": "string", "minLength": 1 },
    "result": {},
    "isError": { "type": "boolean" }
  },
  "additionalProperties": true
}`,
	TypeInterveneStart: `{
  "type": "object",
  "required": ["agentId", "mode"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "mode": { "enum": ["visible", "private"] }
  },
  "additionalProperties": true
}`,
	TypeInterveneEnd: agentIDOnlySchema,
}

var adminSchemas = map[string]string{
	TypeAdminAuth: `{
  "type": "object",
  "required": ["token"],
  "properties": {
    "token": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`,
	TypeListAgents:        emptySchema,
	TypeInspectAgent:      agentIDOnlySchema,
	TypePauseAgent:        agentIDOnlySchema,
	TypeStopAgent:         agentIDOnlySchema,
	TypeKillAgent:         agentIDOnlySchema,
	TypeRemoveAgent:       agentIDOnlySchema,
	TypeListConnections:   emptySchema,
	TypeGetConfig:         emptySchema,
	TypeReloadConfig:      emptySchema,
	TypeGetStats:          emptySchema,
	TypeGetUsage:          emptySchema,
	TypeGetAgentSchedules: agentIDOnlySchema,
	TypeGetAgentDom:       agentIDOnlySchema,
	TypeDisconnect: `{
  "type": "object",
  "required": ["connectionId"],
  "properties": {
    "connectionId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`,
	TypeSubscribeLogs: `{
  "type": "object",
  "properties": {
    "level": { "enum": ["debug", "info", "warn", "error"] }
  },
  "additionalProperties": true
}`,
	TypeGetAgentLog: `{
  "type": "object",
  "required": ["agentId"],
  "properties": {
    "agentId": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 1000 }
  },
  "additionalProperties": true
}`,
	TypeNuke: `{
  "type": "object",
  "required": ["confirm"],
  "properties": {
    "confirm": { "const": true }
  },
  "additionalProperties": true
}`,
}
