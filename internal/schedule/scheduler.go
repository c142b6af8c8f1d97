package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agenthub/internal/condition"
	"github.com/haasonsaas/agenthub/internal/observability"
)

// DefaultTickInterval is sub-minute so a minute boundary is never missed
// even with ticker jitter.
const DefaultTickInterval = 30 * time.Second

var (
	ErrEntryNotFound = errors.New("schedule not found")
	ErrAgentCap      = fmt.Errorf("agent already has %d schedules", MaxPerAgent)
)

// Scheduler owns all schedule entries across agents and drives the tick
// loop. Cron entries fire at most once per wall-clock minute; event entries
// fire from FireEvent.
type Scheduler struct {
	logger  *slog.Logger
	gateway AgentGateway
	metrics *observability.Metrics
	now     func() time.Time
	tick    time.Duration

	mu         sync.Mutex
	entries    map[int64]*Entry
	matchers   map[int64]CronMatcher
	conds      map[int64]*condition.Condition
	lastEvent  map[int64][]byte
	nextID     int64
	lastMinute string
	started    bool
	wg         sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// WithMetrics wires fire counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler bound to the given agent gateway.
func NewScheduler(gateway AgentGateway, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:    slog.Default().With("component", "scheduler"),
		gateway:   gateway,
		now:       time.Now,
		tick:      DefaultTickInterval,
		entries:   map[int64]*Entry{},
		matchers:  map[int64]CronMatcher{},
		conds:     map[int64]*condition.Condition{},
		lastEvent: map[int64][]byte{},
		nextID:    1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSchedule validates and registers an entry, returning its id. The
// caller sets Enabled; the tool layer defaults it to true.
func (s *Scheduler) AddSchedule(e Entry) (int64, error) {
	e.AgentID = strings.TrimSpace(e.AgentID)
	if e.AgentID == "" {
		return 0, errors.New("hubAgentId is required")
	}
	hasMessage := strings.TrimSpace(e.Message) != ""
	hasTool := strings.TrimSpace(e.Tool) != ""
	if hasMessage == hasTool {
		return 0, errors.New("exactly one of message or tool is required")
	}

	var matcher CronMatcher
	var cond *condition.Condition
	switch e.Type {
	case TriggerCron:
		var err error
		if matcher, err = ParseCron(e.CronExpression); err != nil {
			return 0, err
		}
	case TriggerEvent:
		if strings.TrimSpace(e.EventName) == "" {
			return 0, errors.New("eventName is required for event schedules")
		}
		var err error
		if cond, err = condition.Parse(e.EventCondition); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unsupported schedule type %q", e.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	perAgent := 0
	for _, existing := range s.entries {
		if existing.AgentID == e.AgentID {
			perAgent++
		}
	}
	if perAgent >= MaxPerAgent {
		return 0, ErrAgentCap
	}

	e.ID = s.nextID
	s.nextID++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	stored := e.Clone()
	s.entries[e.ID] = &stored
	if e.Type == TriggerCron {
		s.matchers[e.ID] = matcher
	} else {
		s.conds[e.ID] = cond
	}
	s.logger.Info("schedule added",
		"id", e.ID, "agent", e.AgentID, "type", string(e.Type))
	return e.ID, nil
}

// RemoveSchedule deletes an entry owned by agentID.
func (s *Scheduler) RemoveSchedule(agentID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.AgentID != agentID {
		return ErrEntryNotFound
	}
	s.dropLocked(id)
	return nil
}

// RemoveAllForAgent deletes every entry owned by agentID and returns the
// count removed.
func (s *Scheduler) RemoveAllForAgent(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.AgentID == agentID {
			s.dropLocked(id)
			removed++
		}
	}
	return removed
}

func (s *Scheduler) dropLocked(id int64) {
	delete(s.entries, id)
	delete(s.matchers, id)
	delete(s.conds, id)
	delete(s.lastEvent, id)
}

// EnableSchedule re-enables an entry.
func (s *Scheduler) EnableSchedule(agentID string, id int64) error {
	return s.setEnabled(agentID, id, true)
}

// DisableSchedule disables an entry without removing it.
func (s *Scheduler) DisableSchedule(agentID string, id int64) error {
	return s.setEnabled(agentID, id, false)
}

func (s *Scheduler) setEnabled(agentID string, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.AgentID != agentID {
		return ErrEntryNotFound
	}
	e.Enabled = enabled
	return nil
}

// Schedules returns the agent's entries sorted by id.
func (s *Scheduler) Schedules(agentID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.AgentID == agentID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Serialize returns all entries sorted by id for persistence.
func (s *Scheduler) Serialize() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads entries from a snapshot. Entries that no longer parse are
// skipped with a warning. nextId resumes at max(id)+1, and the minute
// cursor advances to the latest recorded run so a restart within the same
// minute does not re-fire.
func (s *Scheduler) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	for _, e := range entries {
		stored := e.Clone()
		switch e.Type {
		case TriggerCron:
			matcher, err := ParseCron(e.CronExpression)
			if err != nil {
				s.logger.Warn("schedule dropped on restore", "id", e.ID, "error", err)
				continue
			}
			s.matchers[e.ID] = matcher
		case TriggerEvent:
			cond, err := condition.Parse(e.EventCondition)
			if err != nil {
				s.logger.Warn("schedule dropped on restore", "id", e.ID, "error", err)
				continue
			}
			s.conds[e.ID] = cond
		default:
			s.logger.Warn("schedule dropped on restore", "id", e.ID, "type", string(e.Type))
			continue
		}
		s.entries[e.ID] = &stored
		if e.ID >= s.nextID {
			s.nextID = e.ID + 1
		}
		if e.LastRunAt != nil && e.LastRunAt.After(latest) {
			latest = *e.LastRunAt
		}
	}
	if !latest.IsZero() {
		s.lastMinute = minuteKey(latest)
	}
}

// Start begins the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce evaluates one tick immediately (primarily for tests). Returns the
// number of entries triggered.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	key := minuteKey(now)

	s.mu.Lock()
	if key == s.lastMinute {
		s.mu.Unlock()
		return 0
	}
	s.lastMinute = key
	var due []int64
	for id, e := range s.entries {
		if !e.Enabled || e.Type != TriggerCron {
			continue
		}
		if s.matchers[id].Matches(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	fired := 0
	for _, id := range due {
		if s.trigger(ctx, id, "cron") {
			fired++
		}
	}
	return fired
}

// FireEvent signals a named event for one agent. Matching enabled entries
// evaluate their condition against data; those that pass trigger. Returns
// the number triggered.
func (s *Scheduler) FireEvent(ctx context.Context, eventName, agentID string, data any) int {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("null")
	}

	s.mu.Lock()
	var due []int64
	for id, e := range s.entries {
		if !e.Enabled || e.Type != TriggerEvent {
			continue
		}
		if e.AgentID != agentID || e.EventName != eventName {
			continue
		}
		prev, seen := s.lastEvent[id]
		changed := !seen || !bytes.Equal(prev, raw)
		s.lastEvent[id] = append([]byte(nil), raw...)
		if s.conds[id].Eval(data, changed) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	fired := 0
	for _, id := range due {
		if s.trigger(ctx, id, "event") {
			fired++
		}
	}
	return fired
}

// trigger dispatches one entry. Counters advance before the action runs;
// message entries skip busy agents rather than backlogging.
func (s *Scheduler) trigger(ctx context.Context, id int64, kind string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || !e.Enabled {
		s.mu.Unlock()
		return false
	}
	agentID, message, tool := e.AgentID, e.Message, e.Tool
	toolInput := append(json.RawMessage(nil), e.ToolInput...)
	s.mu.Unlock()

	running, busy, ok := s.gateway.AgentStatus(agentID)
	if !ok || !running {
		s.logger.Debug("schedule skipped, agent not running", "id", id, "agent", agentID)
		return false
	}
	if message != "" && busy {
		s.logger.Debug("schedule skipped, agent busy", "id", id, "agent", agentID)
		return false
	}

	s.mu.Lock()
	e, ok = s.entries[id]
	if !ok || !e.Enabled {
		s.mu.Unlock()
		return false
	}
	e.RunCount++
	now := s.now().UTC()
	e.LastRunAt = &now
	if e.MaxRuns > 0 && e.RunCount >= e.MaxRuns {
		e.Enabled = false
		s.logger.Info("schedule reached maxRuns, disabled", "id", id, "agent", agentID)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSchedulerFire(kind)
	}

	if tool != "" {
		result, isErr, err := s.gateway.ExecuteTool(ctx, agentID, tool, toolInput)
		switch {
		case err != nil:
			s.logger.Warn("scheduled tool failed", "id", id, "tool", tool, "error", err)
			s.gateway.EnqueueInfo(agentID, fmt.Sprintf("Scheduled tool %q failed: %v", tool, err))
		case isErr:
			s.logger.Warn("scheduled tool returned error", "id", id, "tool", tool)
			s.gateway.EnqueueInfo(agentID, fmt.Sprintf("Scheduled tool %q failed: %s", tool, result))
		}
		return true
	}

	if err := s.gateway.SendMessage(agentID, message); err != nil {
		s.logger.Warn("scheduled message failed", "id", id, "agent", agentID, "error", err)
		return false
	}
	return true
}
