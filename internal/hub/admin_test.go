package hub

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/config"
	"github.com/haasonsaas/agenthub/internal/protocol"
	"github.com/haasonsaas/agenthub/internal/schedule"
)

func authAdmin(t *testing.T, th *testHub, token string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, th.h.AdminAddr(), "/admin")
	sendJSON(t, conn, &protocol.AdminAuth{
		Envelope: protocol.Envelope{Type: protocol.TypeAdminAuth, ID: "auth-1"},
		Token:    token,
	})
	raw := awaitFrame(t, conn, protocol.TypeAuthResult)
	var res protocol.AuthResult
	mustUnmarshal(t, raw, &res)
	if !res.Success {
		t.Fatalf("admin auth rejected: %s", res.Error)
	}
	return conn
}

func TestAdminAuthFlow(t *testing.T) {
	th := newTestHub(t, nil)

	// Any op before auth closes the connection.
	conn := dialWS(t, th.h.AdminAddr(), "/admin")
	sendJSON(t, conn, &protocol.Envelope{Type: protocol.TypeListAgents, ID: "1"})
	raw := awaitFrame(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeAuth {
		t.Errorf("code = %q, want %q", em.Code, CodeAuth)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("admin connection stayed open without auth")
	}

	// The client token does not open the admin plane.
	conn = dialWS(t, th.h.AdminAddr(), "/admin")
	sendJSON(t, conn, &protocol.AdminAuth{
		Envelope: protocol.Envelope{Type: protocol.TypeAdminAuth, ID: "1"},
		Token:    "secret",
	})
	raw = awaitFrame(t, conn, protocol.TypeAuthResult)
	var res protocol.AuthResult
	mustUnmarshal(t, raw, &res)
	if res.Success {
		t.Fatal("client token accepted on admin plane")
	}

	good := authAdmin(t, th, "admin-secret")
	sendJSON(t, good, &protocol.Envelope{Type: protocol.TypeListAgents, ID: "l1"})
	awaitFrame(t, good, protocol.TypeAgentsList)
}

func TestAdminListAndInspect(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "beta")
	th.createAgent(t, "alpha")
	conn := authAdmin(t, th, "admin-secret")

	sendJSON(t, conn, &protocol.Envelope{Type: protocol.TypeListAgents, ID: "l1"})
	raw := awaitFrame(t, conn, protocol.TypeAgentsList)
	var list protocol.AgentsList
	mustUnmarshal(t, raw, &list)
	if len(list.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(list.Agents))
	}
	if list.Agents[0].AgentID != "alpha" || list.Agents[1].AgentID != "beta" {
		t.Errorf("order = %s, %s", list.Agents[0].AgentID, list.Agents[1].AgentID)
	}
	if list.Agents[0].Model != "claude-sonnet-4-5" || list.Agents[0].State != agent.StatePending {
		t.Errorf("row = %+v", list.Agents[0])
	}

	sendJSON(t, conn, &protocol.AdminAgentOp{
		Envelope: protocol.Envelope{Type: protocol.TypeInspectAgent, ID: "i1"},
		AgentID:  "alpha",
	})
	raw = awaitFrame(t, conn, protocol.TypeAgentInfo)
	var info protocol.AgentInfo
	mustUnmarshal(t, raw, &info)
	if info.AgentID != "alpha" || info.Config == nil || info.Config.Name != "alpha" {
		t.Errorf("agent_info = %+v", info)
	}
	if info.Messages != 0 || info.ScheduleCount != 0 || info.Subscribers != 0 {
		t.Errorf("counts = %+v", info)
	}

	sendJSON(t, conn, &protocol.AdminAgentOp{
		Envelope: protocol.Envelope{Type: protocol.TypeInspectAgent, ID: "i2"},
		AgentID:  "ghost",
	})
	raw = awaitFrame(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeNotFound {
		t.Errorf("code = %q, want not_found", em.Code)
	}
}

func TestAdminAgentOps(t *testing.T) {
	th := newTestHub(t, nil)
	r := th.createAgent(t, "ops")
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	conn := authAdmin(t, th, "admin-secret")

	sendJSON(t, conn, &protocol.AdminAgentOp{
		Envelope: protocol.Envelope{Type: protocol.TypePauseAgent, ID: "p1"},
		AgentID:  "ops",
	})
	raw := awaitFrame(t, conn, protocol.TypeOK)
	var ok protocol.OK
	mustUnmarshal(t, raw, &ok)
	if ok.Detail != "paused ops" {
		t.Errorf("detail = %q", ok.Detail)
	}
	if r.State() != agent.StatePaused {
		t.Errorf("state = %s, want paused", r.State())
	}

	sendJSON(t, conn, &protocol.AdminAgentOp{
		Envelope: protocol.Envelope{Type: protocol.TypeKillAgent, ID: "k1"},
		AgentID:  "ops",
	})
	raw = awaitFrame(t, conn, protocol.TypeOK)
	mustUnmarshal(t, raw, &ok)
	if ok.Detail != "killed ops" {
		t.Errorf("detail = %q", ok.Detail)
	}

	sendJSON(t, conn, &protocol.AdminAgentOp{
		Envelope: protocol.Envelope{Type: protocol.TypeRemoveAgent, ID: "r1"},
		AgentID:  "ops",
	})
	raw = awaitFrame(t, conn, protocol.TypeOK)
	mustUnmarshal(t, raw, &ok)
	if ok.Detail != "removed ops" {
		t.Errorf("detail = %q", ok.Detail)
	}
	if _, found := th.reg.Get("ops"); found {
		t.Error("agent survived remove")
	}

	sendJSON(t, conn, &protocol.AdminAgentOp{
		Envelope: protocol.Envelope{Type: protocol.TypeRemoveAgent, ID: "r2"},
		AgentID:  "ops",
	})
	raw = awaitFrame(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeNotFound {
		t.Errorf("second remove code = %q, want not_found", em.Code)
	}
}

func TestAdminGetConfigRedacted(t *testing.T) {
	th := newTestHub(t, func(cfg *config.Config) {
		cfg.LLM.APIKey = "llm-key"
	})
	conn := authAdmin(t, th, "admin-secret")

	sendJSON(t, conn, &protocol.Envelope{Type: protocol.TypeGetConfig, ID: "c1"})
	raw := awaitFrame(t, conn, protocol.TypeConfig)
	var payload protocol.ConfigPayload
	mustUnmarshal(t, raw, &payload)

	var cfg config.Config
	mustUnmarshal(t, payload.Config, &cfg)
	if cfg.Name != "testhub" {
		t.Errorf("name = %q", cfg.Name)
	}
	for field, got := range map[string]string{
		"authToken":  cfg.AuthToken,
		"adminToken": cfg.AdminToken,
		"llm.apiKey": cfg.LLM.APIKey,
	} {
		if got != "[REDACTED]" {
			t.Errorf("%s = %q, want [REDACTED]", field, got)
		}
	}
	if bytes.Contains(payload.Config, []byte("admin-secret")) || bytes.Contains(payload.Config, []byte("llm-key")) {
		t.Error("secret leaked into config payload")
	}
}

func TestAdminConnectionsAndDisconnect(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "watched")
	admin := authAdmin(t, th, "admin-secret")

	client := dialWS(t, th.h.ClientAddr(), "/ws")
	sendJSON(t, client, &protocol.Auth{
		Envelope: protocol.Envelope{Type: protocol.TypeAuth, ID: "a1"},
		Token:    "secret",
		DeviceID: "dev-1",
	})
	raw := awaitFrame(t, client, protocol.TypeAuthResult)
	var auth protocol.AuthResult
	mustUnmarshal(t, raw, &auth)
	if !auth.Success {
		t.Fatalf("client auth failed: %s", auth.Error)
	}
	subscribeAgent(t, client, "watched")

	sendJSON(t, admin, &protocol.Envelope{Type: protocol.TypeListConnections, ID: "lc1"})
	raw = awaitFrame(t, admin, protocol.TypeConnectionsList)
	var list protocol.ConnectionsList
	mustUnmarshal(t, raw, &list)
	if len(list.Connections) != 1 {
		t.Fatalf("connections = %d, want 1 (admins excluded)", len(list.Connections))
	}
	row := list.Connections[0]
	if !row.Authenticated || row.DeviceID != "dev-1" {
		t.Errorf("row = %+v", row)
	}
	if len(row.SubscribedAgents) != 1 || row.SubscribedAgents[0] != "watched" {
		t.Errorf("subscriptions = %v", row.SubscribedAgents)
	}

	sendJSON(t, admin, &protocol.Disconnect{
		Envelope:     protocol.Envelope{Type: protocol.TypeDisconnect, ID: "d1"},
		ConnectionID: row.ID,
	})
	raw = awaitFrame(t, admin, protocol.TypeOK)
	var ok protocol.OK
	mustUnmarshal(t, raw, &ok)
	if !strings.HasPrefix(ok.Detail, "disconnected ") {
		t.Errorf("detail = %q", ok.Detail)
	}
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			break
		}
	}

	waitFor(t, "connection table to drain", func() bool {
		sendJSON(t, admin, &protocol.Envelope{Type: protocol.TypeListConnections, ID: "lc2"})
		raw := awaitFrame(t, admin, protocol.TypeConnectionsList)
		var cur protocol.ConnectionsList
		mustUnmarshal(t, raw, &cur)
		return len(cur.Connections) == 0
	})

	sendJSON(t, admin, &protocol.Disconnect{
		Envelope:     protocol.Envelope{Type: protocol.TypeDisconnect, ID: "d2"},
		ConnectionID: row.ID,
	})
	raw = awaitFrame(t, admin, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeNotFound {
		t.Errorf("stale disconnect code = %q", em.Code)
	}
}

func TestAdminNuke(t *testing.T) {
	th := newTestHub(t, nil)
	r1 := th.createAgent(t, "n1")
	th.createAgent(t, "n2")
	if _, err := th.sched.AddSchedule(schedule.Entry{
		AgentID:        "n1",
		Type:           schedule.TriggerCron,
		CronExpression: "0 * * * *",
		Message:        "hourly",
		Enabled:        true,
	}); err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	th.h.persistRunner(r1)
	if ids, _ := th.st.List(); len(ids) != 1 {
		t.Fatalf("seeded sessions = %v", ids)
	}

	conn := authAdmin(t, th, "admin-secret")

	// confirm: false fails schema validation before the handler runs.
	sendJSON(t, conn, &protocol.Nuke{
		Envelope: protocol.Envelope{Type: protocol.TypeNuke, ID: "nk1"},
		Confirm:  false,
	})
	raw := awaitFrame(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeValidation {
		t.Fatalf("unconfirmed nuke code = %q", em.Code)
	}
	if th.reg.Len() != 2 {
		t.Fatal("unconfirmed nuke removed agents")
	}

	sendJSON(t, conn, &protocol.Nuke{
		Envelope: protocol.Envelope{Type: protocol.TypeNuke, ID: "nk2"},
		Confirm:  true,
	})
	raw = awaitFrame(t, conn, protocol.TypeOK)
	var ok protocol.OK
	mustUnmarshal(t, raw, &ok)
	if ok.Detail != "removed 2 agents" {
		t.Errorf("detail = %q", ok.Detail)
	}
	if th.reg.Len() != 0 {
		t.Errorf("registry len = %d after nuke", th.reg.Len())
	}
	if ids, err := th.st.List(); err != nil || len(ids) != 0 {
		t.Errorf("disk sessions = %v err=%v", ids, err)
	}
	if entries := th.sched.Schedules("n1"); len(entries) != 0 {
		t.Errorf("schedules survived nuke: %+v", entries)
	}
}

func TestAdminSubscribeLogs(t *testing.T) {
	th := newTestHub(t, nil)
	conn := authAdmin(t, th, "admin-secret")

	sendJSON(t, conn, &protocol.SubscribeLogs{
		Envelope: protocol.Envelope{Type: protocol.TypeSubscribeLogs, ID: "s1"},
		Level:    "error",
	})
	raw := awaitFrame(t, conn, protocol.TypeOK)
	var ok protocol.OK
	mustUnmarshal(t, raw, &ok)
	if ok.Detail != "log stream subscribed" {
		t.Errorf("detail = %q", ok.Detail)
	}

	probe := slog.New(th.bus.Handler(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
	probe.Info("quiet info line")
	probe.Error("log probe boom", "k", "v")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for log_entry: %v", err)
		}
		env, perr := protocol.ParseEnvelope(raw)
		if perr != nil {
			t.Fatalf("bad frame: %v", perr)
		}
		if env.Type != protocol.TypeLogEntry {
			continue
		}
		var entry protocol.LogEntry
		mustUnmarshal(t, raw, &entry)
		if strings.Contains(entry.Message, "quiet info line") {
			t.Fatal("info line leaked past the error filter")
		}
		if entry.Message != "log probe boom" {
			continue
		}
		if entry.Level != "ERROR" {
			t.Errorf("level = %q", entry.Level)
		}
		if entry.Attrs["k"] != "v" {
			t.Errorf("attrs = %v", entry.Attrs)
		}
		return
	}
}

func TestAdminReloadConfig(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		th := newTestHub(t, nil)
		conn := authAdmin(t, th, "admin-secret")
		sendJSON(t, conn, &protocol.Envelope{Type: protocol.TypeReloadConfig, ID: "r1"})
		raw := awaitFrame(t, conn, protocol.TypeError)
		var em protocol.ErrorMessage
		mustUnmarshal(t, raw, &em)
		if em.Code != CodeValidation || em.Message != "config reload unavailable" {
			t.Errorf("error = %+v", em)
		}
	})

	t.Run("applies changes", func(t *testing.T) {
		th := newTestHubWith(t, nil, func(o *Options) {
			base := o.Config
			o.Reload = func() (*config.Config, error) {
				next := *base
				next.LogLevel = "debug"
				return &next, nil
			}
		})
		conn := authAdmin(t, th, "admin-secret")

		sendJSON(t, conn, &protocol.Envelope{Type: protocol.TypeReloadConfig, ID: "r1"})
		raw := awaitFrame(t, conn, protocol.TypeConfigReloaded)
		var res protocol.ConfigReloaded
		mustUnmarshal(t, raw, &res)
		if len(res.Changed) != 1 || res.Changed[0] != "logLevel" {
			t.Errorf("changed = %v", res.Changed)
		}
		if th.lv.Level() != slog.LevelDebug {
			t.Errorf("level = %v, want debug", th.lv.Level())
		}

		// A second reload against the same source is a no-op.
		sendJSON(t, conn, &protocol.Envelope{Type: protocol.TypeReloadConfig, ID: "r2"})
		raw = awaitFrame(t, conn, protocol.TypeConfigReloaded)
		res = protocol.ConfigReloaded{}
		mustUnmarshal(t, raw, &res)
		if len(res.Changed) != 0 {
			t.Errorf("second reload changed %v", res.Changed)
		}
	})
}

func TestAdminStatsAndUsage(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "u1")
	th.createAgent(t, "u2")
	conn := authAdmin(t, th, "admin-secret")

	sendJSON(t, conn, &protocol.Envelope{Type: protocol.TypeGetStats, ID: "st1"})
	raw := awaitFrame(t, conn, protocol.TypeStats)
	var stats protocol.Stats
	mustUnmarshal(t, raw, &stats)
	if stats.Stats.Goroutines <= 0 || stats.Stats.HeapBytes <= 0 {
		t.Errorf("stats snapshot = %+v", stats.Stats)
	}

	sendJSON(t, conn, &protocol.Envelope{Type: protocol.TypeGetUsage, ID: "u1"})
	raw = awaitFrame(t, conn, protocol.TypeUsage)
	var usage protocol.Usage
	mustUnmarshal(t, raw, &usage)
	if len(usage.Agents) != 2 {
		t.Fatalf("usage rows = %d, want 2", len(usage.Agents))
	}
	if usage.TotalTokens != 0 || usage.TotalCost != 0 {
		t.Errorf("totals = %d tokens, %f cost for idle agents", usage.TotalTokens, usage.TotalCost)
	}
}

func TestAdminAgentLogSchedulesDom(t *testing.T) {
	th := newTestHub(t, nil)
	r := th.createAgent(t, "obs")
	r.AddInfoMessage("first note")
	r.AddInfoMessage("second note")
	r.AddInfoMessage("third note")
	conn := authAdmin(t, th, "admin-secret")

	sendJSON(t, conn, &protocol.GetAgentLog{
		Envelope: protocol.Envelope{Type: protocol.TypeGetAgentLog, ID: "g1"},
		AgentID:  "obs",
		Limit:    2,
	})
	raw := awaitFrame(t, conn, protocol.TypeAgentLog)
	var logFrame protocol.AgentLog
	mustUnmarshal(t, raw, &logFrame)
	if len(logFrame.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(logFrame.Messages))
	}
	if firstTextOf(&logFrame.Messages[0]) != "second note" || firstTextOf(&logFrame.Messages[1]) != "third note" {
		t.Errorf("tail = %q, %q", firstTextOf(&logFrame.Messages[0]), firstTextOf(&logFrame.Messages[1]))
	}

	sendJSON(t, conn, &protocol.AdminAgentOp{
		Envelope: protocol.Envelope{Type: protocol.TypeGetAgentSchedules, ID: "g2"},
		AgentID:  "obs",
	})
	raw = awaitFrame(t, conn, protocol.TypeAgentSchedules)
	if !bytes.Contains(raw, []byte(`"schedules":[]`)) {
		t.Errorf("empty schedules not an array: %s", raw)
	}

	sendJSON(t, conn, &protocol.AdminAgentOp{
		Envelope: protocol.Envelope{Type: protocol.TypeGetAgentDom, ID: "g3"},
		AgentID:  "obs",
	})
	raw = awaitFrame(t, conn, protocol.TypeAgentDom)
	var dom protocol.AgentDom
	mustUnmarshal(t, raw, &dom)
	if dom.Dom != nil {
		t.Errorf("dom = %+v, want absent", dom.Dom)
	}

	r.Dom().Set(agent.DomState{BodyHTML: "<p>mirror</p>", CapturedAt: time.Now().UTC()})
	sendJSON(t, conn, &protocol.AdminAgentOp{
		Envelope: protocol.Envelope{Type: protocol.TypeGetAgentDom, ID: "g4"},
		AgentID:  "obs",
	})
	raw = awaitFrame(t, conn, protocol.TypeAgentDom)
	mustUnmarshal(t, raw, &dom)
	if dom.Dom == nil || dom.Dom.BodyHTML != "<p>mirror</p>" {
		t.Errorf("dom = %+v", dom.Dom)
	}
}
