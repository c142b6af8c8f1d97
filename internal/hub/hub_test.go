package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/config"
	"github.com/haasonsaas/agenthub/internal/observability"
	"github.com/haasonsaas/agenthub/internal/protocol"
	"github.com/haasonsaas/agenthub/internal/schedule"
	"github.com/haasonsaas/agenthub/internal/store"
	"github.com/haasonsaas/agenthub/internal/tools"
)

type testHub struct {
	h     *Hub
	cfg   *config.Config
	reg   *agent.Registry
	st    *store.AgentStore
	sched *schedule.Scheduler
	pipe  *tools.Pipeline
	lv    *slog.LevelVar
	bus   *observability.LogBus
}

// newTestHub starts a hub on ephemeral ports with an adapter that answers
// every turn with a single "ok" text block.
func newTestHub(t *testing.T, mutate func(*config.Config)) *testHub {
	t.Helper()
	return newTestHubWith(t, mutate, nil)
}

// newTestHubWith additionally lets a test tweak the hub options, e.g. to
// install a reload hook, before the hub starts.
func newTestHubWith(t *testing.T, mutate func(*config.Config), tweak func(*Options)) *testHub {
	t.Helper()

	bus := observability.NewLogBus()
	logger := slog.New(bus.Handler(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
	lv := new(slog.LevelVar)

	cfg := &config.Config{
		Host:       "127.0.0.1",
		Port:       0,
		AdminPort:  0,
		Name:       "testhub",
		AuthToken:  "secret",
		AdminToken: "admin-secret",
		LogLevel:   "info",
	}
	cfg.Tools.Bash.Enabled = true
	cfg.Tools.Filesystem.Enabled = true
	cfg.Tools.Browse.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}
	lv.Set(observability.ParseLevel(cfg.LogLevel))

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	pipe := tools.NewPipeline(tools.WithLogger(logger))
	adapter := func(ctx context.Context, provider string, req agent.ApiRequest, emit func(agent.StreamEvent)) (*agent.FinalMessage, error) {
		return &agent.FinalMessage{
			Content:    []agent.Block{agent.TextBlock("ok")},
			StopReason: agent.StopEndTurn,
		}, nil
	}
	reg := agent.NewRegistry(agent.RunnerDeps{
		Logger:  logger,
		Tools:   pipe,
		Saver:   st,
		Adapter: adapter,
	})
	sched := schedule.NewScheduler(NewGateway(reg, pipe))

	promReg := prometheus.NewRegistry()
	opts := Options{
		Config:    cfg,
		Logger:    logger,
		LevelVar:  lv,
		LogBus:    bus,
		Metrics:   observability.NewMetrics(promReg),
		Gatherer:  promReg,
		Registry:  reg,
		Store:     st,
		Scheduler: sched,
		Pipeline:  pipe,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h, err := New(opts)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return &testHub{h: h, cfg: cfg, reg: reg, st: st, sched: sched, pipe: pipe, lv: lv, bus: bus}
}

func (th *testHub) createAgent(t *testing.T, id string) *agent.Runner {
	t.Helper()
	r, err := th.reg.Create(&agent.AgentConfig{
		ID:       id,
		Name:     id,
		Model:    "claude-sonnet-4-5",
		Provider: "anthropic",
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
	th.h.watchRunner(r)
	return r
}

func dialWS(t *testing.T, addr, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func mustUnmarshal(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal %T from %s: %v", v, raw, err)
	}
}

// nextFrame reads exactly one frame; assertions on it pin ordering.
func nextFrame(t *testing.T, conn *websocket.Conn) (protocol.Envelope, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("bad frame %s: %v", raw, err)
	}
	return env, raw
}

// awaitFrame discards frames until one of the wanted type arrives.
func awaitFrame(t *testing.T, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		env, perr := protocol.ParseEnvelope(raw)
		if perr != nil {
			t.Fatalf("bad frame %s: %v", raw, perr)
		}
		if env.Type == typ {
			return raw
		}
	}
}

// awaitEvent discards frames until an agent_event matching the predicate
// arrives.
func awaitEvent(t *testing.T, conn *websocket.Conn, match func(protocol.AgentEvent) bool) protocol.AgentEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for agent_event: %v", err)
		}
		env, perr := protocol.ParseEnvelope(raw)
		if perr != nil {
			t.Fatalf("bad frame %s: %v", raw, perr)
		}
		if env.Type != protocol.TypeAgentEvent {
			continue
		}
		var ev protocol.AgentEvent
		mustUnmarshal(t, raw, &ev)
		if match(ev) {
			return ev
		}
	}
}

// awaitStateWithID discards frames until an agent_state carrying the given
// request id arrives; fanned-out state frames carry no id and are skipped.
func awaitStateWithID(t *testing.T, conn *websocket.Conn, id string) protocol.AgentState {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for agent_state %s: %v", id, err)
		}
		env, perr := protocol.ParseEnvelope(raw)
		if perr != nil {
			t.Fatalf("bad frame %s: %v", raw, perr)
		}
		if env.Type != protocol.TypeAgentState || env.ID != id {
			continue
		}
		var st protocol.AgentState
		mustUnmarshal(t, raw, &st)
		return st
	}
}

func authClient(t *testing.T, th *testHub, token string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, th.h.ClientAddr(), "/ws")
	sendJSON(t, conn, &protocol.Auth{
		Envelope: protocol.Envelope{Type: protocol.TypeAuth, ID: "auth-1"},
		Token:    token,
	})
	raw := awaitFrame(t, conn, protocol.TypeAuthResult)
	var res protocol.AuthResult
	mustUnmarshal(t, raw, &res)
	if !res.Success {
		t.Fatalf("auth rejected: %s", res.Error)
	}
	return conn
}

// subscribeAgent subscribes and consumes the initial sync through the
// history frame.
func subscribeAgent(t *testing.T, conn *websocket.Conn, agentID string) {
	t.Helper()
	sendJSON(t, conn, &protocol.SubscribeAgent{
		Envelope: protocol.Envelope{Type: protocol.TypeSubscribeAgent, ID: "sub-" + agentID},
		AgentID:  agentID,
	})
	awaitFrame(t, conn, protocol.TypeConversationHistory)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func firstTextOf(m *agent.Message) string {
	if m == nil {
		return ""
	}
	for _, b := range m.Content {
		if b.Type == "text" {
			return b.Text
		}
	}
	return ""
}

func historyContains(r *agent.Runner, substr string) bool {
	for _, m := range r.History() {
		for _, b := range m.Content {
			if b.Type == "text" && strings.Contains(b.Text, substr) {
				return true
			}
		}
	}
	return false
}

// --- Auth ---

func TestAuthMustComeFirst(t *testing.T) {
	th := newTestHub(t, nil)
	conn := dialWS(t, th.h.ClientAddr(), "/ws")

	sendJSON(t, conn, &protocol.SubscribeAgent{
		Envelope: protocol.Envelope{Type: protocol.TypeSubscribeAgent, ID: "1"},
		AgentID:  "whatever",
	})
	raw := awaitFrame(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeAuth {
		t.Errorf("code = %q, want %q", em.Code, CodeAuth)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after auth failure")
	}
}

func TestAuthInvalidToken(t *testing.T) {
	th := newTestHub(t, nil)
	conn := dialWS(t, th.h.ClientAddr(), "/ws")

	sendJSON(t, conn, &protocol.Auth{
		Envelope: protocol.Envelope{Type: protocol.TypeAuth, ID: "1"},
		Token:    "nope",
	})
	raw := awaitFrame(t, conn, protocol.TypeAuthResult)
	var res protocol.AuthResult
	mustUnmarshal(t, raw, &res)
	if res.Success {
		t.Fatal("auth succeeded with wrong token")
	}
	if res.Error != "invalid token" {
		t.Errorf("error = %q, want %q", res.Error, "invalid token")
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after rejected auth")
	}
}

func TestAuthLockoutAfterRepeatedFailures(t *testing.T) {
	th := newTestHub(t, nil)

	for i := 0; i < 5; i++ {
		conn := dialWS(t, th.h.ClientAddr(), "/ws")
		sendJSON(t, conn, &protocol.Auth{
			Envelope: protocol.Envelope{Type: protocol.TypeAuth, ID: "1"},
			Token:    "wrong",
		})
		raw := awaitFrame(t, conn, protocol.TypeAuthResult)
		var res protocol.AuthResult
		mustUnmarshal(t, raw, &res)
		if res.Success {
			t.Fatalf("attempt %d succeeded with wrong token", i+1)
		}
		conn.Close()
	}

	// Locked out now: even the correct token is refused.
	conn := dialWS(t, th.h.ClientAddr(), "/ws")
	sendJSON(t, conn, &protocol.Auth{
		Envelope: protocol.Envelope{Type: protocol.TypeAuth, ID: "1"},
		Token:    "secret",
	})
	raw := awaitFrame(t, conn, protocol.TypeAuthResult)
	var res protocol.AuthResult
	mustUnmarshal(t, raw, &res)
	if res.Success {
		t.Fatal("locked-out address authenticated")
	}
	if res.Error != lockedOutMsg {
		t.Errorf("error = %q, want %q", res.Error, lockedOutMsg)
	}
}

func TestAuthLoopbackBypass(t *testing.T) {
	th := newTestHub(t, func(cfg *config.Config) {
		cfg.LocalhostBypassAuth = true
	})
	conn := dialWS(t, th.h.ClientAddr(), "/ws")

	sendJSON(t, conn, &protocol.Auth{
		Envelope: protocol.Envelope{Type: protocol.TypeAuth, ID: "1"},
	})
	raw := awaitFrame(t, conn, protocol.TypeAuthResult)
	var res protocol.AuthResult
	mustUnmarshal(t, raw, &res)
	if !res.Success {
		t.Fatalf("loopback bypass rejected: %s", res.Error)
	}
	if res.HubName != "testhub" {
		t.Errorf("hubName = %q, want testhub", res.HubName)
	}
	if res.ClientID == "" {
		t.Error("clientId missing from auth result")
	}
}

// --- Subscriptions and fanout ---

func TestSubscribeInitialSync(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "a1")
	conn := authClient(t, th, "secret")

	sendJSON(t, conn, &protocol.SubscribeAgent{
		Envelope: protocol.Envelope{Type: protocol.TypeSubscribeAgent, ID: "s1"},
		AgentID:  "a1",
	})

	env, raw := nextFrame(t, conn)
	if env.Type != protocol.TypeAgentState || env.ID != "s1" {
		t.Fatalf("first sync frame = %s id=%q, want agent_state id=s1", env.Type, env.ID)
	}
	var st protocol.AgentState
	mustUnmarshal(t, raw, &st)
	if st.AgentID != "a1" || st.State != agent.StatePending || st.Busy {
		t.Errorf("sync state = %+v", st)
	}

	env, raw = nextFrame(t, conn)
	if env.Type != protocol.TypeConversationHistory {
		t.Fatalf("second sync frame = %s, want conversation_history", env.Type)
	}
	var hist protocol.ConversationHistory
	mustUnmarshal(t, raw, &hist)
	if hist.Messages == nil {
		t.Error("history messages is null, want empty array")
	}
}

func TestSubscribeUnknownAgent(t *testing.T) {
	th := newTestHub(t, nil)
	conn := authClient(t, th, "secret")

	sendJSON(t, conn, &protocol.SubscribeAgent{
		Envelope: protocol.Envelope{Type: protocol.TypeSubscribeAgent, ID: "s1"},
		AgentID:  "ghost",
	})
	raw := awaitFrame(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeNotFound {
		t.Errorf("code = %q, want %q", em.Code, CodeNotFound)
	}
}

func TestSendMessageFanout(t *testing.T) {
	th := newTestHub(t, nil)
	r := th.createAgent(t, "a1")
	if err := r.Start(); err != nil {
		t.Fatalf("start agent: %v", err)
	}

	connA := authClient(t, th, "secret")
	connB := authClient(t, th, "secret")
	subscribeAgent(t, connA, "a1")
	subscribeAgent(t, connB, "a1")

	sendJSON(t, connA, &protocol.SendMessage{
		Envelope: protocol.Envelope{Type: protocol.TypeSendMessage, ID: "m1"},
		AgentID:  "a1",
		Content:  json.RawMessage(`"hello"`),
	})

	isUserHello := func(ev protocol.AgentEvent) bool {
		return ev.Event.Message != nil && ev.Event.Message.Role == "user" &&
			firstTextOf(ev.Event.Message) == "hello"
	}
	awaitEvent(t, connB, isUserHello)
	// The sender sees its own message come back as an event too.
	awaitEvent(t, connA, isUserHello)

	isAssistantOK := func(ev protocol.AgentEvent) bool {
		return ev.Event.Message != nil && ev.Event.Message.Role == "assistant" &&
			firstTextOf(ev.Event.Message) == "ok"
	}
	awaitEvent(t, connB, isAssistantOK)

	waitFor(t, "history to settle", func() bool { return len(r.History()) >= 2 })
}

func TestStateWriteThroughFanout(t *testing.T) {
	th := newTestHub(t, nil)
	r := th.createAgent(t, "a1")

	connA := authClient(t, th, "secret")
	connB := authClient(t, th, "secret")
	subscribeAgent(t, connA, "a1")
	subscribeAgent(t, connB, "a1")

	sendJSON(t, connA, &protocol.StateWriteThrough{
		Envelope: protocol.Envelope{Type: protocol.TypeStateWriteThrough, ID: "w1"},
		AgentID:  "a1",
		Key:      "cursor",
		Value:    json.RawMessage(`{"x":1}`),
		Action:   "set",
	})

	raw := awaitFrame(t, connB, protocol.TypeStatePush)
	var push protocol.StatePush
	mustUnmarshal(t, raw, &push)
	if push.AgentID != "a1" || push.Key != "cursor" || push.Action != "set" {
		t.Errorf("state_push = %+v", push)
	}
	if v, ok := r.StateStore().Get("cursor"); !ok || string(v) != `{"x":1}` {
		t.Errorf("runner state = %s ok=%v", v, ok)
	}

	// The writer gets no echo: its next reply must arrive directly.
	sendJSON(t, connA, &protocol.ListHubAgents{
		Envelope: protocol.Envelope{Type: protocol.TypeListHubAgents, ID: "l1"},
	})
	env, _ := nextFrame(t, connA)
	if env.Type != protocol.TypeHubAgentsList {
		t.Fatalf("writer received %s before its reply, echo leaked", env.Type)
	}

	sendJSON(t, connA, &protocol.StateWriteThrough{
		Envelope: protocol.Envelope{Type: protocol.TypeStateWriteThrough, ID: "w2"},
		AgentID:  "a1",
		Key:      "cursor",
		Action:   "delete",
	})
	raw = awaitFrame(t, connB, protocol.TypeStatePush)
	mustUnmarshal(t, raw, &push)
	if push.Action != "delete" {
		t.Errorf("action = %q, want delete", push.Action)
	}
	if _, ok := r.StateStore().Get("cursor"); ok {
		t.Error("key survived delete")
	}
}

func TestWriteThroughRequiresSubscription(t *testing.T) {
	th := newTestHub(t, nil)
	r := th.createAgent(t, "a1")
	conn := authClient(t, th, "secret")

	sendJSON(t, conn, &protocol.StateWriteThrough{
		Envelope: protocol.Envelope{Type: protocol.TypeStateWriteThrough, ID: "w1"},
		AgentID:  "a1",
		Key:      "k",
		Value:    json.RawMessage(`1`),
		Action:   "set",
	})
	sendJSON(t, conn, &protocol.FileWriteThrough{
		Envelope:      protocol.Envelope{Type: protocol.TypeFileWriteThrough, ID: "f1"},
		AgentID:       "a1",
		Path:          "x.txt",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("data")),
		Action:        "write",
	})

	// Denials are silent: the next reply arrives with nothing in between.
	sendJSON(t, conn, &protocol.ListHubAgents{
		Envelope: protocol.Envelope{Type: protocol.TypeListHubAgents, ID: "l1"},
	})
	env, _ := nextFrame(t, conn)
	if env.Type != protocol.TypeHubAgentsList {
		t.Fatalf("got %s, want hub_agents_list with no error frames before it", env.Type)
	}
	if keys := r.StateStore().Keys(); len(keys) != 0 {
		t.Errorf("state written despite missing subscription: %v", keys)
	}
	if _, err := th.st.ReadFile("a1", "x.txt"); err == nil {
		t.Error("file written despite missing subscription")
	}
}

func TestFileWriteThroughFanout(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "a1")

	connA := authClient(t, th, "secret")
	connB := authClient(t, th, "secret")
	subscribeAgent(t, connA, "a1")
	subscribeAgent(t, connB, "a1")

	body := base64.StdEncoding.EncodeToString([]byte("hi there"))
	sendJSON(t, connA, &protocol.FileWriteThrough{
		Envelope:      protocol.Envelope{Type: protocol.TypeFileWriteThrough, ID: "f1"},
		AgentID:       "a1",
		Path:          "notes/a.txt",
		ContentBase64: body,
		Action:        "write",
	})

	raw := awaitFrame(t, connB, protocol.TypeFilePush)
	var push protocol.FilePush
	mustUnmarshal(t, raw, &push)
	if push.Path != "notes/a.txt" || push.Action != "write" || push.ContentBase64 != body {
		t.Errorf("file_push = %+v", push)
	}
	data, err := th.st.ReadFile("a1", "notes/a.txt")
	if err != nil || string(data) != "hi there" {
		t.Errorf("disk = %q err=%v", data, err)
	}

	sendJSON(t, connA, &protocol.FileWriteThrough{
		Envelope: protocol.Envelope{Type: protocol.TypeFileWriteThrough, ID: "f2"},
		AgentID:  "a1",
		Path:     "notes/a.txt",
		Action:   "delete",
	})
	raw = awaitFrame(t, connB, protocol.TypeFilePush)
	mustUnmarshal(t, raw, &push)
	if push.Action != "delete" {
		t.Errorf("action = %q, want delete", push.Action)
	}
	waitFor(t, "file removal", func() bool {
		_, err := th.st.ReadFile("a1", "notes/a.txt")
		return err != nil
	})
}

func TestDomStateUpdateFanout(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "a1")

	connA := authClient(t, th, "secret")
	connB := authClient(t, th, "secret")
	subscribeAgent(t, connA, "a1")
	subscribeAgent(t, connB, "a1")

	sendJSON(t, connA, &protocol.DomStateUpdate{
		Envelope: protocol.Envelope{Type: protocol.TypeDomStateUpdate, ID: "d1"},
		AgentID:  "a1",
		Dom:      agent.DomState{BodyHTML: "<div>v1</div>", CapturedAt: time.Now().UTC()},
	})

	raw := awaitFrame(t, connB, protocol.TypeRestoreDomState)
	var dom protocol.RestoreDomState
	mustUnmarshal(t, raw, &dom)
	if dom.Dom == nil || dom.Dom.BodyHTML != "<div>v1</div>" {
		t.Errorf("restore_dom_state = %+v", dom)
	}

	// A subscriber arriving later gets the mirror during initial sync.
	connC := authClient(t, th, "secret")
	sendJSON(t, connC, &protocol.SubscribeAgent{
		Envelope: protocol.Envelope{Type: protocol.TypeSubscribeAgent, ID: "s1"},
		AgentID:  "a1",
	})
	env, _ := nextFrame(t, connC)
	if env.Type != protocol.TypeAgentState {
		t.Fatalf("sync frame 1 = %s", env.Type)
	}
	env, raw = nextFrame(t, connC)
	if env.Type != protocol.TypeRestoreDomState {
		t.Fatalf("sync frame 2 = %s, want restore_dom_state", env.Type)
	}
	mustUnmarshal(t, raw, &dom)
	if dom.Dom == nil || dom.Dom.BodyHTML != "<div>v1</div>" {
		t.Errorf("sync dom = %+v", dom)
	}
	env, _ = nextFrame(t, connC)
	if env.Type != protocol.TypeConversationHistory {
		t.Fatalf("sync frame 3 = %s, want conversation_history", env.Type)
	}
}

// --- Persist and restore ---

func TestPersistAgentPromotes(t *testing.T) {
	th := newTestHub(t, nil)
	conn := authClient(t, th, "secret")

	snap := agent.SessionSnapshot{
		Version: agent.SnapshotVersion,
		Config: &agent.AgentConfig{
			ID:       "A",
			Name:     "mini",
			Model:    "claude-sonnet-4-5",
			Provider: "anthropic",
		},
		Lifecycle: agent.StatePaused,
		Conversation: []agent.Message{{
			Role:      "user",
			Content:   []agent.Block{agent.TextBlock("hi")},
			Timestamp: time.Now().UTC(),
		}},
		State: map[string]json.RawMessage{"k": json.RawMessage(`"v"`)},
		Schedules: []schedule.Entry{{
			ID:             7,
			Type:           schedule.TriggerCron,
			CronExpression: "0 9 * * *",
			Message:        "daily check",
			Enabled:        true,
		}},
	}
	session, err := json.Marshal(&snap)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}

	sendJSON(t, conn, &protocol.PersistAgent{
		Envelope: protocol.Envelope{Type: protocol.TypePersistAgent, ID: "p1"},
		AgentID:  "A",
		Session:  session,
	})
	raw := awaitFrame(t, conn, protocol.TypePersistResult)
	var res protocol.PersistResult
	mustUnmarshal(t, raw, &res)
	if !res.Success {
		t.Fatalf("persist failed: %s", res.Error)
	}
	if !strings.HasPrefix(res.HubAgentID, "hub-A-") {
		t.Errorf("hubAgentId = %q, want hub-A- prefix", res.HubAgentID)
	}
	hubID := res.HubAgentID

	r, ok := th.reg.Get(hubID)
	if !ok {
		t.Fatalf("hub agent %s not registered", hubID)
	}
	if r.State() != agent.StatePaused {
		t.Errorf("lifecycle = %s, want paused", r.State())
	}
	if _, ok := th.reg.Get("A"); ok {
		t.Error("local id registered alongside hub id")
	}

	entries := th.sched.Schedules(hubID)
	if len(entries) != 1 {
		t.Fatalf("schedules = %d, want 1", len(entries))
	}
	if entries[0].AgentID != hubID || entries[0].ID == 7 || entries[0].ID == 0 {
		t.Errorf("schedule not reassigned: %+v", entries[0])
	}

	// The session hit disk before the result frame.
	onDisk, err := th.st.LoadSession(hubID)
	if err != nil {
		t.Fatalf("load persisted session: %v", err)
	}
	if onDisk.Config.ID != hubID || len(onDisk.Conversation) != 1 {
		t.Errorf("persisted snapshot = %+v", onDisk.Config)
	}

	// The promoting client follows its agent: restore works without an
	// explicit subscribe.
	sendJSON(t, conn, &protocol.RestoreAgent{
		Envelope: protocol.Envelope{Type: protocol.TypeRestoreAgent, ID: "r1"},
		AgentID:  hubID,
	})
	raw = awaitFrame(t, conn, protocol.TypeRestoreSession)
	var restored protocol.RestoreSession
	mustUnmarshal(t, raw, &restored)
	if restored.Session == nil {
		t.Fatal("restore returned null session for the promoting client")
	}
	if len(restored.Session.Conversation) != 1 || firstTextOf(&restored.Session.Conversation[0]) != "hi" {
		t.Errorf("restored conversation = %+v", restored.Session.Conversation)
	}
}

func TestRestoreAgentDeniedWithoutSubscription(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "a9")
	conn := authClient(t, th, "secret")

	for _, id := range []string{"a9", "missing"} {
		sendJSON(t, conn, &protocol.RestoreAgent{
			Envelope: protocol.Envelope{Type: protocol.TypeRestoreAgent, ID: "r-" + id},
			AgentID:  id,
		})
		raw := awaitFrame(t, conn, protocol.TypeRestoreSession)
		var res protocol.RestoreSession
		mustUnmarshal(t, raw, &res)
		if res.Session != nil {
			t.Errorf("agent %s: got a session, want null", id)
		}
	}
}

func TestRestoreFromDisk(t *testing.T) {
	th := newTestHub(t, nil)

	snap := &agent.SessionSnapshot{
		Version: agent.SnapshotVersion,
		Config: &agent.AgentConfig{
			ID:       "agent-d",
			Name:     "restorer",
			Model:    "claude-sonnet-4-5",
			Provider: "anthropic",
		},
		Lifecycle: agent.StateRunning,
		Schedules: []schedule.Entry{{
			ID:             3,
			Type:           schedule.TriggerCron,
			CronExpression: "*/5 * * * *",
			Message:        "tick",
			Enabled:        true,
		}},
	}
	if err := th.st.SaveSession("agent-d", snap); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	// A corrupt session is skipped, not fatal.
	corrupt := filepath.Join(th.st.Root(), "agent-x")
	if err := os.MkdirAll(corrupt, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(corrupt, "session.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := th.h.RestoreFromDisk()
	if err != nil {
		t.Fatalf("restore from disk: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}

	r, ok := th.reg.Get("agent-d")
	if !ok {
		t.Fatal("agent-d not restored")
	}
	waitFor(t, "agent to resume running", func() bool { return r.State() == agent.StateRunning })

	entries := th.sched.Schedules("agent-d")
	if len(entries) != 1 || entries[0].AgentID != "agent-d" {
		t.Errorf("restored schedules = %+v", entries)
	}
}

// --- Interventions over the wire ---

func TestInterveneExclusiveAndDisconnectFlush(t *testing.T) {
	th := newTestHub(t, nil)
	r := th.createAgent(t, "a1")
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}

	connA := authClient(t, th, "secret")
	connB := authClient(t, th, "secret")
	subscribeAgent(t, connA, "a1")
	subscribeAgent(t, connB, "a1")

	sendJSON(t, connA, &protocol.InterveneStart{
		Envelope: protocol.Envelope{Type: protocol.TypeInterveneStart, ID: "i1"},
		AgentID:  "a1",
		Mode:     ModeVisible,
	})
	raw := awaitFrame(t, connA, protocol.TypeInterveneResult)
	var res protocol.InterveneResult
	mustUnmarshal(t, raw, &res)
	if !res.Granted || res.Mode != ModeVisible {
		t.Fatalf("intervene_start = %+v", res)
	}

	sendJSON(t, connB, &protocol.InterveneStart{
		Envelope: protocol.Envelope{Type: protocol.TypeInterveneStart, ID: "i2"},
		AgentID:  "a1",
		Mode:     ModeVisible,
	})
	raw = awaitFrame(t, connB, protocol.TypeInterveneResult)
	mustUnmarshal(t, raw, &res)
	if res.Granted {
		t.Fatal("second client granted intervention over the first")
	}
	if !strings.Contains(res.Error, "already under intervention") {
		t.Errorf("error = %q", res.Error)
	}

	sendJSON(t, connB, &protocol.InterveneEnd{
		Envelope: protocol.Envelope{Type: protocol.TypeInterveneEnd, ID: "i3"},
		AgentID:  "a1",
	})
	raw = awaitFrame(t, connB, protocol.TypeInterveneResult)
	mustUnmarshal(t, raw, &res)
	if res.Granted || res.Error == "" {
		t.Errorf("non-owner end = %+v", res)
	}

	// The owner drops; the session ends and flushes into the conversation.
	connA.Close()
	waitFor(t, "intervention flush", func() bool {
		return historyContains(r, "[User intervention ended — visible mode]")
	})
}

func TestInterveneStartUnknownAgent(t *testing.T) {
	th := newTestHub(t, nil)
	conn := authClient(t, th, "secret")

	sendJSON(t, conn, &protocol.InterveneStart{
		Envelope: protocol.Envelope{Type: protocol.TypeInterveneStart, ID: "i1"},
		AgentID:  "ghost",
		Mode:     ModeVisible,
	})
	raw := awaitFrame(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeNotFound {
		t.Errorf("code = %q, want not_found", em.Code)
	}
}

// --- Routed tool calls ---

func TestRouteToolCallRoundtrip(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "a1")
	conn := authClient(t, th, "secret")
	subscribeAgent(t, conn, "a1")

	type routed struct {
		result  json.RawMessage
		isError bool
		err     error
	}
	got := make(chan routed, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, isErr, err := th.h.RouteToolCall(ctx, "a1", "browser_click", json.RawMessage(`{"selector":"#go"}`))
		got <- routed{res, isErr, err}
	}()

	raw := awaitFrame(t, conn, protocol.TypeBrowserToolRequest)
	var req protocol.BrowserToolRequest
	mustUnmarshal(t, raw, &req)
	if req.Tool != "browser_click" || req.AgentID != "a1" || req.RequestID == "" {
		t.Fatalf("browser_tool_request = %+v", req)
	}

	sendJSON(t, conn, &protocol.BrowserToolResult{
		Envelope:  protocol.Envelope{Type: protocol.TypeBrowserToolResult},
		AgentID:   "a1",
		RequestID: req.RequestID,
		Result:    json.RawMessage(`{"clicked":true}`),
	})

	select {
	case r := <-got:
		if r.err != nil || r.isError {
			t.Fatalf("route = err %v isError %v", r.err, r.isError)
		}
		if string(r.result) != `{"clicked":true}` {
			t.Errorf("result = %s", r.result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("route never resolved")
	}
}

func TestRouteToolCallNoSubscriber(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "lonely")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := th.h.RouteToolCall(ctx, "lonely", "browser_click", nil)
	if !errors.Is(err, tools.ErrNoClient) {
		t.Fatalf("err = %v, want ErrNoClient", err)
	}
}

func TestRouteToolCallFailsOnDisconnect(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "a1")
	conn := authClient(t, th, "secret")
	subscribeAgent(t, conn, "a1")

	got := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, err := th.h.RouteToolCall(ctx, "a1", "browser_click", nil)
		got <- err
	}()

	awaitFrame(t, conn, protocol.TypeBrowserToolRequest)
	conn.Close()

	select {
	case err := <-got:
		if !errors.Is(err, tools.ErrNoClient) {
			t.Fatalf("err = %v, want ErrNoClient", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("route never failed after disconnect")
	}
}

// --- Agent actions ---

func TestAgentActionLifecycle(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "life")
	conn := authClient(t, th, "secret")
	subscribeAgent(t, conn, "life")

	steps := []struct {
		action string
		want   agent.State
	}{
		{"start", agent.StateRunning},
		{"pause", agent.StatePaused},
		{"resume", agent.StateRunning},
		{"stop", agent.StateStopped},
	}
	for i, step := range steps {
		id := "act-" + step.action
		sendJSON(t, conn, &protocol.AgentAction{
			Envelope: protocol.Envelope{Type: protocol.TypeAgentAction, ID: id},
			AgentID:  "life",
			Action:   step.action,
		})
		st := awaitStateWithID(t, conn, id)
		if st.State != step.want {
			t.Fatalf("step %d %s: state = %s, want %s", i, step.action, st.State, step.want)
		}
	}

	sendJSON(t, conn, &protocol.AgentAction{
		Envelope: protocol.Envelope{Type: protocol.TypeAgentAction, ID: "act-remove"},
		AgentID:  "life",
		Action:   "remove",
	})
	st := awaitStateWithID(t, conn, "act-remove")
	if st.State != agent.StateKilled {
		t.Errorf("remove echo state = %s, want killed", st.State)
	}
	if _, ok := th.reg.Get("life"); ok {
		t.Error("agent survived remove")
	}
}

func TestAgentActionErrors(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "a1")
	conn := authClient(t, th, "secret")

	sendJSON(t, conn, &protocol.AgentAction{
		Envelope: protocol.Envelope{Type: protocol.TypeAgentAction, ID: "x1"},
		AgentID:  "ghost",
		Action:   "start",
	})
	raw := awaitFrame(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeNotFound {
		t.Errorf("unknown agent code = %q", em.Code)
	}

	sendJSON(t, conn, &protocol.AgentAction{
		Envelope: protocol.Envelope{Type: protocol.TypeAgentAction, ID: "x2"},
		AgentID:  "a1",
		Action:   "pause",
	})
	raw = awaitFrame(t, conn, protocol.TypeError)
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeValidation {
		t.Errorf("invalid transition code = %q", em.Code)
	}
}

func TestListHubAgents(t *testing.T) {
	th := newTestHub(t, nil)
	th.createAgent(t, "b1")
	th.createAgent(t, "a1")
	conn := authClient(t, th, "secret")

	sendJSON(t, conn, &protocol.ListHubAgents{
		Envelope: protocol.Envelope{Type: protocol.TypeListHubAgents, ID: "l1"},
	})
	raw := awaitFrame(t, conn, protocol.TypeHubAgentsList)
	var list protocol.HubAgentsList
	mustUnmarshal(t, raw, &list)
	if len(list.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(list.Agents))
	}
	if list.Agents[0].AgentID != "a1" || list.Agents[1].AgentID != "b1" {
		t.Errorf("order = %s, %s", list.Agents[0].AgentID, list.Agents[1].AgentID)
	}
	if list.Agents[0].CreatedAt.IsZero() || list.Agents[0].State != agent.StatePending {
		t.Errorf("row = %+v", list.Agents[0])
	}
}

func TestPushOpsDisabledWithoutManager(t *testing.T) {
	th := newTestHub(t, nil)
	conn := authClient(t, th, "secret")

	sendJSON(t, conn, &protocol.PushSubscribe{
		Envelope:     protocol.Envelope{Type: protocol.TypePushSubscribe, ID: "p1"},
		DeviceID:     "dev-1",
		Subscription: json.RawMessage(`{"endpoint":"https://push.example/x"}`),
	})
	raw := awaitFrame(t, conn, protocol.TypeError)
	var em protocol.ErrorMessage
	mustUnmarshal(t, raw, &em)
	if em.Code != CodeValidation {
		t.Errorf("code = %q, want validation", em.Code)
	}
}

// --- Unit coverage ---

func TestFanoutDropsSlowClient(t *testing.T) {
	th := newTestHub(t, nil)

	c := &Client{
		hub:         th.h,
		send:        make(chan []byte), // no reader, zero capacity
		id:          "slow-1",
		connectedAt: time.Now(),
		subscribed:  make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	th.h.addClient(c)
	th.h.addSubscription(c, "za")

	th.h.fanout("za", protocol.NewOK("", "probe"))

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("slow client was not shut down")
	}
	// Enqueue after shutdown is a silent drop, not a blocked send.
	if !c.enqueue([]byte("late")) {
		t.Error("post-shutdown enqueue reported failure")
	}
}

func TestGateway(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := tools.NewPipeline(tools.WithLogger(logger))
	reg := agent.NewRegistry(agent.RunnerDeps{
		Logger: logger,
		Tools:  pipe,
		Adapter: func(ctx context.Context, provider string, req agent.ApiRequest, emit func(agent.StreamEvent)) (*agent.FinalMessage, error) {
			return &agent.FinalMessage{Content: []agent.Block{agent.TextBlock("ok")}, StopReason: agent.StopEndTurn}, nil
		},
	})
	gw := NewGateway(reg, pipe)

	if _, _, ok := gw.AgentStatus("nope"); ok {
		t.Error("status reported unknown agent as present")
	}

	r, err := reg.Create(&agent.AgentConfig{ID: "g1", Name: "g1", Model: "m", Provider: "anthropic"})
	if err != nil {
		t.Fatal(err)
	}
	running, busy, ok := gw.AgentStatus("g1")
	if !ok || running || busy {
		t.Errorf("status = running=%v busy=%v ok=%v", running, busy, ok)
	}

	if err := gw.SendMessage("g1", "wake up"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if r.InboxLen() != 1 {
		t.Errorf("inbox = %d, want queued message", r.InboxLen())
	}
	if err := gw.SendMessage("nope", "x"); err == nil {
		t.Error("send to unknown agent succeeded")
	}

	gw.EnqueueInfo("g1", "fyi")
	if !historyContains(r, "fyi") {
		t.Error("info message missing from history")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, isErr, err := gw.ExecuteTool(ctx, "g1", "zap", nil)
	if err != nil || !isErr || !strings.Contains(out, "unknown tool") {
		t.Errorf("execute = %q isErr=%v err=%v", out, isErr, err)
	}
}

func TestApplyConfig(t *testing.T) {
	th := newTestHub(t, nil)

	next := *th.cfg
	next.LogLevel = "debug"
	next.AuthToken = "rotated"
	next.Tools.Bash.Enabled = false
	next.Host = "0.0.0.0" // restart-only, must not appear in changed

	changed := th.h.ApplyConfig(&next)
	want := map[string]bool{"logLevel": true, "authToken": true, "tools.bash.enabled": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, key := range changed {
		if !want[key] {
			t.Errorf("unexpected changed key %q", key)
		}
	}
	if th.lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", th.lv.Level())
	}
	if th.h.clientToken() != "rotated" {
		t.Error("auth token not applied")
	}
	if got := th.h.ApplyConfig(&next); len(got) != 0 {
		t.Errorf("second apply changed %v", got)
	}
	if th.h.ApplyConfig(nil) != nil {
		t.Error("nil config reported changes")
	}
}

func TestNewHubAgentID(t *testing.T) {
	id := newHubAgentID("My Agent!/x")
	if !strings.HasPrefix(id, "hub-My-Agent-x-") {
		t.Errorf("id = %q", id)
	}
	if other := newHubAgentID("My Agent!/x"); other == id {
		t.Error("ids collide")
	}
	if id := newHubAgentID("!!!"); !strings.HasPrefix(id, "hub-agent-") {
		t.Errorf("junk id = %q", id)
	}
	long := strings.Repeat("a", 50)
	if id := newHubAgentID(long); len(id) > len("hub-")+32+1+8 {
		t.Errorf("long id not capped: %q", id)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"secret", "secret", true},
		{"", "", true},
		{"a", "ab", false},
		{"x", "y", false},
	}
	for _, c := range cases {
		if got := constantTimeEqual(c.a, c.b); got != c.want {
			t.Errorf("constantTimeEqual(%q, %q) = %v", c.a, c.b, got)
		}
	}
}

func TestJournalLine(t *testing.T) {
	long := strings.Repeat("x", 130)
	cases := []struct {
		ev   agent.RunnerEvent
		want string
	}{
		{agent.RunnerEvent{Type: agent.EventStateChange, State: agent.StateRunning}, "state: running"},
		{agent.RunnerEvent{Type: agent.EventMessage, Message: &agent.Message{
			Role: "user", Content: []agent.Block{agent.TextBlock("hello")},
		}}, "user: hello"},
		{agent.RunnerEvent{Type: agent.EventMessage, Message: &agent.Message{
			Role: "assistant", Content: []agent.Block{agent.TextBlock(long)},
		}}, "assistant: " + long[:120] + "..."},
		{agent.RunnerEvent{Type: agent.EventError, Error: "boom"}, "error: boom"},
		{agent.RunnerEvent{Type: agent.EventNotifyUser, Notify: &agent.Notification{Title: "ping"}}, "notify: ping"},
		{agent.RunnerEvent{Type: agent.EventMessage}, ""},
	}
	for i, c := range cases {
		if got := journalLine(c.ev); got != c.want {
			t.Errorf("case %d: %q, want %q", i, got, c.want)
		}
	}
}
