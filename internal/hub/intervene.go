package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Intervention modes. Visible keeps the agent's subscribers informed by
// journaling what happens and flushing the journal into the conversation
// when the session ends; private leaves no trace beyond the end marker.
const (
	ModeVisible = "visible"
	ModePrivate = "private"
)

const (
	// interveneIdleAfter expires a session with no owner activity.
	interveneIdleAfter  = 10 * time.Minute
	interveneSweepEvery = time.Minute

	// journalCap bounds a visible session's journal.
	journalCap = 200
)

// ErrIntervened rejects a second client taking an agent already held.
var ErrIntervened = errors.New("agent is already under intervention")

type interveneSession struct {
	agentID  string
	clientID string
	mode     string
	started  time.Time
	lastSeen time.Time
	journal  []string
	dropped  int
}

// flushText renders the end-of-session marker plus, for visible sessions,
// the journal accumulated while the client held the agent.
func (s *interveneSession) flushText() string {
	header := fmt.Sprintf("[User intervention ended — %s mode]", s.mode)
	if s.mode != ModeVisible || len(s.journal) == 0 {
		return header
	}
	lines := append([]string{header}, s.journal...)
	if s.dropped > 0 {
		lines = append(lines, fmt.Sprintf("(%d earlier entries dropped)", s.dropped))
	}
	return strings.Join(lines, "\n")
}

// InterveneManager grants one client at a time exclusive interactive
// control of an agent. Sessions end explicitly, when the owning client
// disconnects, or after ten minutes of owner inactivity; every ending
// flushes a marker back into the agent's conversation through the release
// callback.
type InterveneManager struct {
	log     *slog.Logger
	now     func() time.Time
	release func(agentID, flush string)

	mu      sync.Mutex
	byAgent map[string]*interveneSession

	stop chan struct{}
	done chan struct{}
}

// NewInterveneManager wires the release callback invoked with the flush
// text whenever a session ends for any reason.
func NewInterveneManager(log *slog.Logger, now func() time.Time, release func(agentID, flush string)) *InterveneManager {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &InterveneManager{
		log:     log.With("component", "intervene"),
		now:     now,
		release: release,
		byAgent: make(map[string]*interveneSession),
	}
}

// Begin starts or refreshes a session. The owner may call again to switch
// modes; any other client gets ErrIntervened.
func (m *InterveneManager) Begin(agentID, clientID, mode string) error {
	if mode != ModeVisible && mode != ModePrivate {
		return fmt.Errorf("unknown intervention mode %q", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byAgent[agentID]; ok {
		if s.clientID != clientID {
			return ErrIntervened
		}
		s.mode = mode
		s.lastSeen = m.now()
		return nil
	}
	now := m.now()
	m.byAgent[agentID] = &interveneSession{
		agentID:  agentID,
		clientID: clientID,
		mode:     mode,
		started:  now,
		lastSeen: now,
	}
	return nil
}

// End closes a session held by clientID and flushes its journal.
func (m *InterveneManager) End(agentID, clientID string) error {
	m.mu.Lock()
	s, ok := m.byAgent[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no intervention on agent %s", agentID)
	}
	if s.clientID != clientID {
		m.mu.Unlock()
		return errors.New("not the intervening client")
	}
	delete(m.byAgent, agentID)
	m.mu.Unlock()

	m.finish(s, "ended")
	return nil
}

// Owner reports which client holds the agent, if any.
func (m *InterveneManager) Owner(agentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byAgent[agentID]
	if !ok {
		return "", false
	}
	return s.clientID, true
}

// Touch refreshes the inactivity clock when the owner acts on the agent.
// Calls from non-owners are ignored.
func (m *InterveneManager) Touch(agentID, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byAgent[agentID]; ok && s.clientID == clientID {
		s.lastSeen = m.now()
	}
}

// Observe journals one line for a visible session. No-op otherwise.
func (m *InterveneManager) Observe(agentID, line string) {
	if line == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byAgent[agentID]
	if !ok || s.mode != ModeVisible {
		return
	}
	if len(s.journal) >= journalCap {
		copy(s.journal, s.journal[1:])
		s.journal = s.journal[:journalCap-1]
		s.dropped++
	}
	s.journal = append(s.journal, line)
}

// ReleaseClient ends every session owned by a disconnecting client and
// returns the agent ids that were released.
func (m *InterveneManager) ReleaseClient(clientID string) []string {
	m.mu.Lock()
	var ended []*interveneSession
	for id, s := range m.byAgent {
		if s.clientID == clientID {
			ended = append(ended, s)
			delete(m.byAgent, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(ended))
	for _, s := range ended {
		m.finish(s, "client disconnected")
		ids = append(ids, s.agentID)
	}
	return ids
}

// Sweep expires sessions idle past the inactivity window.
func (m *InterveneManager) Sweep() int {
	cutoff := m.now().Add(-interveneIdleAfter)
	m.mu.Lock()
	var expired []*interveneSession
	for id, s := range m.byAgent {
		if s.lastSeen.Before(cutoff) {
			expired = append(expired, s)
			delete(m.byAgent, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.finish(s, "idle timeout")
	}
	return len(expired)
}

// Len reports active sessions.
func (m *InterveneManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byAgent)
}

// finish runs outside the lock: the release callback appends to the
// agent's conversation, which re-enters the manager through Observe.
func (m *InterveneManager) finish(s *interveneSession, reason string) {
	m.log.Info("intervention ended",
		"agent", s.agentID, "client", s.clientID, "mode", s.mode,
		"reason", reason, "held", m.now().Sub(s.started))
	if m.release != nil {
		m.release(s.agentID, s.flushText())
	}
}

// Start launches the periodic expiry sweep.
func (m *InterveneManager) Start(ctx context.Context) error {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interveneSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.log.Debug("intervention sweep", "expired", n)
				}
			}
		}
	}()
	return nil
}

// Stop halts the sweep loop.
func (m *InterveneManager) Stop(ctx context.Context) error {
	if m.stop == nil {
		return nil
	}
	close(m.stop)
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
