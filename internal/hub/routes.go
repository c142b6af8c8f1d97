package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/protocol"
)

func reply(typ, id string) protocol.Envelope { return protocol.Envelope{Type: typ, ID: id} }

// dispatchClient routes one authenticated client frame. Schema validation
// already ran; handlers only decode and act.
func (h *Hub) dispatchClient(c *Client, env protocol.Envelope, raw []byte) {
	switch env.Type {
	case protocol.TypeAuth:
		c.sendError(env.ID, "already authenticated", CodeValidation)
	case protocol.TypeSubscribeAgent:
		h.handleSubscribe(c, env, raw)
	case protocol.TypeUnsubscribeAgent:
		h.handleUnsubscribe(c, raw)
	case protocol.TypeSendMessage:
		h.handleSendMessage(c, env, raw)
	case protocol.TypeAgentAction:
		h.handleAgentAction(c, env, raw)
	case protocol.TypePersistAgent:
		h.handlePersistAgent(c, env, raw)
	case protocol.TypeRestoreAgent:
		h.handleRestoreAgent(c, env, raw)
	case protocol.TypeListHubAgents:
		h.handleListHubAgents(c, env)
	case protocol.TypeStateWriteThrough:
		h.handleStateWriteThrough(c, env, raw)
	case protocol.TypeDomStateUpdate:
		h.handleDomStateUpdate(c, env, raw)
	case protocol.TypeFileWriteThrough:
		h.handleFileWriteThrough(c, env, raw)
	case protocol.TypePushSubscribe:
		h.handlePushSubscribe(c, env, raw)
	case protocol.TypePushVerifyPin:
		h.handlePushVerifyPin(c, env, raw)
	case protocol.TypePushUnsubscribe:
		h.handlePushUnsubscribe(c, env, raw)
	case protocol.TypeVisibilityState:
		h.handleVisibility(c, raw)
	case protocol.TypeBrowserToolResult:
		h.handleBrowserToolResult(c, raw)
	case protocol.TypeInterveneStart:
		h.handleInterveneStart(c, env, raw)
	case protocol.TypeInterveneEnd:
		h.handleInterveneEnd(c, env, raw)
	default:
		c.sendError(env.ID, "unknown message type: "+env.Type, CodeValidation)
	}
}

func (h *Hub) handleSubscribe(c *Client, env protocol.Envelope, raw []byte) {
	var msg protocol.SubscribeAgent
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid subscribe_agent frame", CodeValidation)
		return
	}
	r, ok := h.registry.Get(msg.AgentID)
	if !ok {
		c.sendError(env.ID, "agent not found: "+msg.AgentID, CodeNotFound)
		return
	}
	h.addSubscription(c, msg.AgentID)
	h.initialSync(c, env.ID, r)
}

// initialSync brings a fresh subscriber up to date: lifecycle first, the
// DOM mirror when one exists, then full history. An event landing between
// registration and this snapshot can arrive twice; frames carry absolute
// state, so the duplicate is harmless.
func (h *Hub) initialSync(c *Client, id string, r *agent.Runner) {
	c.enqueueFrame(&protocol.AgentState{
		Envelope: reply(protocol.TypeAgentState, id),
		AgentID:  r.ID(),
		State:    r.State(),
		Busy:     r.Busy(),
	})
	if dom, ok := r.Dom().Get(); ok {
		c.enqueueFrame(&protocol.RestoreDomState{
			Envelope: reply(protocol.TypeRestoreDomState, ""),
			AgentID:  r.ID(),
			Dom:      &dom,
		})
	}
	msgs := r.History()
	if msgs == nil {
		msgs = []agent.Message{}
	}
	c.enqueueFrame(&protocol.ConversationHistory{
		Envelope: reply(protocol.TypeConversationHistory, ""),
		AgentID:  r.ID(),
		Messages: msgs,
	})
}

func (h *Hub) handleUnsubscribe(c *Client, raw []byte) {
	var msg protocol.UnsubscribeAgent
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	// Silent either way; unsubscribing from an unknown id is a no-op.
	h.removeSubscription(c, msg.AgentID)
}

func (h *Hub) handleSendMessage(c *Client, env protocol.Envelope, raw []byte) {
	var msg protocol.SendMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid send_message frame", CodeValidation)
		return
	}
	blocks, err := protocol.DecodeContent(msg.Content)
	if err != nil {
		c.sendError(env.ID, err.Error(), CodeValidation)
		return
	}
	r, ok := h.registry.Get(msg.AgentID)
	if !ok {
		c.sendError(env.ID, "agent not found: "+msg.AgentID, CodeNotFound)
		return
	}
	if err := r.SendMessage(blocks); err != nil {
		c.sendError(env.ID, err.Error(), CodeValidation)
		return
	}
	// No direct ack: the message comes back to every subscriber, sender
	// included, as an agent_event.
	h.interventions.Touch(msg.AgentID, c.id)
}

func (h *Hub) handleAgentAction(c *Client, env protocol.Envelope, raw []byte) {
	var msg protocol.AgentAction
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid agent_action frame", CodeValidation)
		return
	}
	r, ok := h.registry.Get(msg.AgentID)
	if !ok {
		c.sendError(env.ID, "agent not found: "+msg.AgentID, CodeNotFound)
		return
	}

	if msg.Action == protocol.ActionRemove {
		if err := h.removeAgent(msg.AgentID); err != nil {
			c.sendError(env.ID, err.Error(), CodeValidation)
			return
		}
		c.enqueueFrame(&protocol.AgentState{
			Envelope: reply(protocol.TypeAgentState, env.ID),
			AgentID:  msg.AgentID,
			State:    agent.StateKilled,
		})
		return
	}

	var err error
	switch msg.Action {
	case protocol.ActionPause:
		err = r.Pause()
	case protocol.ActionResume:
		err = r.Resume()
	case protocol.ActionStop:
		err = r.Stop()
	case protocol.ActionKill:
		err = r.Kill()
	case protocol.ActionStart:
		err = r.Start()
	case protocol.ActionResetError:
		err = r.ResetError()
	default:
		c.sendError(env.ID, "unknown action: "+msg.Action, CodeValidation)
		return
	}
	if err != nil {
		c.sendError(env.ID, err.Error(), CodeValidation)
		return
	}
	c.enqueueFrame(&protocol.AgentState{
		Envelope: reply(protocol.TypeAgentState, env.ID),
		AgentID:  r.ID(),
		State:    r.State(),
		Busy:     r.Busy(),
	})
	go h.persistRunner(r)
}

func (h *Hub) handlePersistAgent(c *Client, env protocol.Envelope, raw []byte) {
	fail := func(errMsg string) {
		c.enqueueFrame(&protocol.PersistResult{
			Envelope: reply(protocol.TypePersistResult, env.ID),
			Success:  false,
			Error:    errMsg,
		})
	}

	var msg protocol.PersistAgent
	if err := json.Unmarshal(raw, &msg); err != nil {
		fail("invalid persist_agent frame")
		return
	}
	var snap agent.SessionSnapshot
	if err := json.Unmarshal(msg.Session, &snap); err != nil {
		fail("invalid session: " + err.Error())
		return
	}
	if snap.Config == nil {
		fail("session missing config")
		return
	}

	localID := msg.AgentID
	if localID == "" {
		localID = snap.Config.ID
	}
	hubID := newHubAgentID(localID)
	snap.Config.ID = hubID

	r, err := h.registry.Restore(&snap)
	if err != nil {
		fail(err.Error())
		return
	}
	h.watchRunner(r)

	// Schedules move to the scheduler under the new id; the snapshot's
	// entry ids are client-local and get reassigned.
	for _, e := range snap.Schedules {
		e.ID = 0
		e.AgentID = hubID
		if _, err := h.sched.AddSchedule(e); err != nil {
			h.log.Warn("persisted schedule rejected", "agent", hubID, "error", err)
		}
	}
	if h.browser != nil && localID != "" {
		if err := h.browser.Rekey(localID, hubID); err != nil {
			h.log.Debug("browser session not rekeyed", "agent", hubID, "error", err)
		}
	}

	h.revive(r, snap.Lifecycle)

	// The promoting client follows its agent to the hub id.
	h.addSubscription(c, hubID)
	h.persistRunner(r)

	c.enqueueFrame(&protocol.PersistResult{
		Envelope:   reply(protocol.TypePersistResult, env.ID),
		HubAgentID: hubID,
		Success:    true,
	})
	h.log.Info("agent persisted", "agent", hubID, "localId", localID, "conn", c.id)
}

func (h *Hub) handleRestoreAgent(c *Client, env protocol.Envelope, raw []byte) {
	var msg protocol.RestoreAgent
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid restore_agent frame", CodeValidation)
		return
	}
	r, ok := h.registry.Get(msg.AgentID)
	if !ok || !h.isSubscribed(c, msg.AgentID) {
		// Denied and unknown produce the same null session.
		c.enqueueFrame(&protocol.RestoreSession{
			Envelope: reply(protocol.TypeRestoreSession, env.ID),
			AgentID:  msg.AgentID,
		})
		return
	}
	snap := r.Serialize()
	if manifest, err := h.store.BuildManifest(r.ID()); err == nil {
		snap.Files = manifest
	}
	c.enqueueFrame(&protocol.RestoreSession{
		Envelope: reply(protocol.TypeRestoreSession, env.ID),
		AgentID:  r.ID(),
		Session:  snap,
	})
}

func (h *Hub) handleListHubAgents(c *Client, env protocol.Envelope) {
	runners := h.registry.List()
	rows := make([]protocol.HubAgentSummary, 0, len(runners))
	for _, r := range runners {
		cfg := r.Config()
		rows = append(rows, protocol.HubAgentSummary{
			AgentID:   r.ID(),
			Name:      cfg.Name,
			State:     r.State(),
			Busy:      r.Busy(),
			CreatedAt: r.CreatedAt(),
		})
	}
	c.enqueueFrame(&protocol.HubAgentsList{
		Envelope: reply(protocol.TypeHubAgentsList, env.ID),
		Agents:   rows,
	})
}

func (h *Hub) handleStateWriteThrough(c *Client, env protocol.Envelope, raw []byte) {
	var msg protocol.StateWriteThrough
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid state_write_through frame", CodeValidation)
		return
	}
	r, ok := h.registry.Get(msg.AgentID)
	if !ok || !h.isSubscribed(c, msg.AgentID) {
		// Authorization failures are silent so agent ids cannot be probed.
		return
	}

	switch msg.Action {
	case protocol.WriteActionSet:
		if len(msg.Value) == 0 {
			c.sendError(env.ID, "value is required for set", CodeValidation)
			return
		}
		if err := r.StateStore().Set(msg.Key, msg.Value); err != nil {
			c.sendError(env.ID, err.Error(), CodeValidation)
			return
		}
	case protocol.WriteActionDelete:
		r.StateStore().Delete(msg.Key)
	default:
		c.sendError(env.ID, "unknown action: "+msg.Action, CodeValidation)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordWriteThrough("state")
	}
	h.fanoutExcept(msg.AgentID, c.id, &protocol.StatePush{
		Envelope: reply(protocol.TypeStatePush, ""),
		AgentID:  msg.AgentID,
		Key:      msg.Key,
		Value:    msg.Value,
		Action:   msg.Action,
	})
	h.interventions.Touch(msg.AgentID, c.id)
	go h.persistRunner(r)
}

func (h *Hub) handleDomStateUpdate(c *Client, env protocol.Envelope, raw []byte) {
	var msg protocol.DomStateUpdate
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid dom_state_update frame", CodeValidation)
		return
	}
	r, ok := h.registry.Get(msg.AgentID)
	if !ok || !h.isSubscribed(c, msg.AgentID) {
		return
	}

	r.Dom().Set(msg.Dom)
	if h.metrics != nil {
		h.metrics.RecordWriteThrough("dom")
	}
	dom := msg.Dom
	h.fanoutExcept(msg.AgentID, c.id, &protocol.RestoreDomState{
		Envelope: reply(protocol.TypeRestoreDomState, ""),
		AgentID:  msg.AgentID,
		Dom:      &dom,
	})
	h.interventions.Touch(msg.AgentID, c.id)
	go h.persistRunner(r)
}

func (h *Hub) handleFileWriteThrough(c *Client, env protocol.Envelope, raw []byte) {
	var msg protocol.FileWriteThrough
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid file_write_through frame", CodeValidation)
		return
	}
	if _, ok := h.registry.Get(msg.AgentID); !ok || !h.isSubscribed(c, msg.AgentID) {
		return
	}

	switch msg.Action {
	case protocol.WriteActionWrite:
		data, err := base64.StdEncoding.DecodeString(msg.ContentBase64)
		if err != nil {
			c.sendError(env.ID, "invalid contentBase64", CodeValidation)
			return
		}
		if err := h.store.WriteFile(msg.AgentID, msg.Path, data); err != nil {
			c.sendError(env.ID, err.Error(), CodeValidation)
			return
		}
	case protocol.WriteActionDelete:
		if err := h.store.DeleteFile(msg.AgentID, msg.Path); err != nil {
			c.sendError(env.ID, err.Error(), CodeValidation)
			return
		}
	default:
		c.sendError(env.ID, "unknown action: "+msg.Action, CodeValidation)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordWriteThrough("file")
	}
	// The file landed on disk directly; no session save needed. The
	// manifest refreshes on the next one.
	h.fanoutExcept(msg.AgentID, c.id, &protocol.FilePush{
		Envelope:      reply(protocol.TypeFilePush, ""),
		AgentID:       msg.AgentID,
		Path:          msg.Path,
		ContentBase64: msg.ContentBase64,
		Action:        msg.Action,
	})
	h.interventions.Touch(msg.AgentID, c.id)
}

func (h *Hub) handlePushSubscribe(c *Client, env protocol.Envelope, raw []byte) {
	if !h.pushAvailable() {
		c.sendError(env.ID, "push notifications are disabled", CodeValidation)
		return
	}
	var msg protocol.PushSubscribe
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid push_subscribe frame", CodeValidation)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res := &protocol.PushSubscribeResult{
		Envelope: reply(protocol.TypePushSubscribeResult, env.ID),
		Success:  true,
	}
	if err := h.push.Subscribe(ctx, msg.DeviceID, msg.Subscription); err != nil {
		res.Success = false
		res.Error = err.Error()
	}
	c.enqueueFrame(res)
}

func (h *Hub) handlePushVerifyPin(c *Client, env protocol.Envelope, raw []byte) {
	if !h.pushAvailable() {
		c.sendError(env.ID, "push notifications are disabled", CodeValidation)
		return
	}
	var msg protocol.PushVerifyPin
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid push_verify_pin frame", CodeValidation)
		return
	}
	res := &protocol.PushVerifyResult{
		Envelope: reply(protocol.TypePushVerifyResult, env.ID),
		Success:  true,
	}
	if err := h.push.VerifyPin(msg.DeviceID, msg.Pin); err != nil {
		res.Success = false
		res.Error = err.Error()
	}
	c.enqueueFrame(res)
}

func (h *Hub) handlePushUnsubscribe(c *Client, env protocol.Envelope, raw []byte) {
	if !h.pushAvailable() {
		c.sendError(env.ID, "push notifications are disabled", CodeValidation)
		return
	}
	var msg protocol.PushUnsubscribe
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid push_unsubscribe frame", CodeValidation)
		return
	}
	h.push.Unsubscribe(msg.DeviceID)
	c.enqueueFrame(&protocol.PushSubscribeResult{
		Envelope: reply(protocol.TypePushSubscribeResult, env.ID),
		Success:  true,
	})
}

func (h *Hub) handleVisibility(c *Client, raw []byte) {
	if h.push == nil {
		return
	}
	var msg protocol.VisibilityState
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	deviceID := msg.DeviceID
	if deviceID == "" {
		h.mu.Lock()
		deviceID = c.deviceID
		h.mu.Unlock()
	}
	if deviceID == "" {
		return
	}
	h.push.Devices().SetVisibility(deviceID, msg.Visible)
}

func (h *Hub) handleBrowserToolResult(c *Client, raw []byte) {
	var msg protocol.BrowserToolResult
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	h.resolveRoute(msg.RequestID, msg.AgentID, msg.Result, msg.IsError)
	h.interventions.Touch(msg.AgentID, c.id)
}

func (h *Hub) handleInterveneStart(c *Client, env protocol.Envelope, raw []byte) {
	var msg protocol.InterveneStart
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid intervene_start frame", CodeValidation)
		return
	}
	if _, ok := h.registry.Get(msg.AgentID); !ok {
		c.sendError(env.ID, "agent not found: "+msg.AgentID, CodeNotFound)
		return
	}
	res := &protocol.InterveneResult{
		Envelope: reply(protocol.TypeInterveneResult, env.ID),
		AgentID:  msg.AgentID,
	}
	if err := h.interventions.Begin(msg.AgentID, c.id, msg.Mode); err != nil {
		res.Error = err.Error()
	} else {
		res.Granted = true
		res.Mode = msg.Mode
	}
	c.enqueueFrame(res)
}

func (h *Hub) handleInterveneEnd(c *Client, env protocol.Envelope, raw []byte) {
	var msg protocol.InterveneEnd
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError(env.ID, "invalid intervene_end frame", CodeValidation)
		return
	}
	res := &protocol.InterveneResult{
		Envelope: reply(protocol.TypeInterveneResult, env.ID),
		AgentID:  msg.AgentID,
	}
	if err := h.interventions.End(msg.AgentID, c.id); err != nil {
		res.Error = err.Error()
	}
	c.enqueueFrame(res)
}
