package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/agenthub/internal/condition"
)

var (
	ErrTooManyKeys   = errors.New("key limit reached")
	ErrValueTooLarge = errors.New("value exceeds per-value size limit")
	ErrStoreFull     = errors.New("store size limit reached")
)

// Quotas bound a per-agent JSON container.
type Quotas struct {
	MaxKeys       int
	MaxValueBytes int
	MaxTotalBytes int
}

// DefaultQuotas returns the hub defaults: 1000 keys, 1 MiB per value, 10 MiB
// per store.
func DefaultQuotas() Quotas {
	return Quotas{MaxKeys: 1000, MaxValueBytes: 1 << 20, MaxTotalBytes: 10 << 20}
}

// quotaMap is the bounded string -> raw JSON container backing both the
// state and storage stores. Not goroutine safe; owners lock around it.
type quotaMap struct {
	quotas Quotas
	values map[string]json.RawMessage
	total  int
}

func newQuotaMap(q Quotas) *quotaMap {
	return &quotaMap{quotas: q, values: map[string]json.RawMessage{}}
}

// set stores a value, enforcing quotas. On rejection the map is unchanged.
// changed reports whether the stored bytes differ from the previous value;
// a fresh key counts as changed.
func (m *quotaMap) set(key string, value json.RawMessage) (changed bool, err error) {
	if len(value) > m.quotas.MaxValueBytes {
		return false, fmt.Errorf("%w: %d bytes (max %d)", ErrValueTooLarge, len(value), m.quotas.MaxValueBytes)
	}
	old, exists := m.values[key]
	if !exists && len(m.values) >= m.quotas.MaxKeys {
		return false, fmt.Errorf("%w: %d keys", ErrTooManyKeys, m.quotas.MaxKeys)
	}
	next := m.total - len(old) + len(value)
	if next > m.quotas.MaxTotalBytes {
		return false, fmt.Errorf("%w: %d bytes would exceed %d", ErrStoreFull, next, m.quotas.MaxTotalBytes)
	}
	m.values[key] = append(json.RawMessage(nil), value...)
	m.total = next
	return !exists || !bytes.Equal(old, value), nil
}

func (m *quotaMap) get(key string) (json.RawMessage, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *quotaMap) delete(key string) bool {
	v, ok := m.values[key]
	if !ok {
		return false
	}
	m.total -= len(v)
	delete(m.values, key)
	return true
}

func (m *quotaMap) keys() []string {
	out := make([]string, 0, len(m.values))
	for k := range m.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *quotaMap) snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m.values))
	for k, v := range m.values {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (m *quotaMap) restore(values map[string]json.RawMessage) {
	m.values = make(map[string]json.RawMessage, len(values))
	m.total = 0
	for k, v := range values {
		m.values[k] = append(json.RawMessage(nil), v...)
		m.total += len(v)
	}
}

// EscalationRule binds a state key to a condition. When a set on the key
// satisfies the condition, the rule fires: with a Message it wakes the agent,
// without one it raises a scheduler event named after the key.
type EscalationRule struct {
	Key       string `json:"key"`
	Condition string `json:"condition"`
	Message   string `json:"message,omitempty"`
}

// EscalationSink receives fired rules. Called outside the store lock.
type EscalationSink func(rule EscalationRule, value json.RawMessage, changed bool)

// StateStore is the per-agent key/value store with escalation rules.
type StateStore struct {
	mu     sync.Mutex
	data   *quotaMap
	rules  []EscalationRule
	parsed []*condition.Condition
	sink   EscalationSink
}

func NewStateStore(q Quotas) *StateStore {
	return &StateStore{data: newQuotaMap(q)}
}

// SetSink installs the escalation fan-out. At most one sink; the runner
// multiplexes from there.
func (s *StateStore) SetSink(sink EscalationSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Set stores a value and fires any matching escalation rules.
func (s *StateStore) Set(key string, value json.RawMessage) error {
	s.mu.Lock()
	changed, err := s.data.set(key, value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var fired []EscalationRule
	for i, r := range s.rules {
		if r.Key != key {
			continue
		}
		if s.parsed[i].Eval(value, changed) {
			fired = append(fired, r)
		}
	}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		for _, rule := range fired {
			sink(rule, value, changed)
		}
	}
	return nil
}

func (s *StateStore) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.get(key)
}

func (s *StateStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.delete(key)
}

func (s *StateStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.keys()
}

// All returns a deep copy of the mapping.
func (s *StateStore) All() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.snapshot()
}

// AddRule validates and registers an escalation rule.
func (s *StateStore) AddRule(r EscalationRule) error {
	if r.Key == "" {
		return errors.New("escalation rule requires a key")
	}
	cond, err := condition.Parse(r.Condition)
	if err != nil {
		return fmt.Errorf("escalation rule for %q: %w", r.Key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
	s.parsed = append(s.parsed, cond)
	return nil
}

// Rules returns a copy of the registered rules.
func (s *StateStore) Rules() []EscalationRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EscalationRule(nil), s.rules...)
}

// ClearRules removes rules bound to key; an empty key clears all rules.
// Returns the number removed.
func (s *StateStore) ClearRules(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		n := len(s.rules)
		s.rules, s.parsed = nil, nil
		return n
	}
	removed := 0
	rules := make([]EscalationRule, 0, len(s.rules))
	parsed := make([]*condition.Condition, 0, len(s.parsed))
	for i, r := range s.rules {
		if r.Key == key {
			removed++
			continue
		}
		rules = append(rules, r)
		parsed = append(parsed, s.parsed[i])
	}
	s.rules, s.parsed = rules, parsed
	return removed
}

// Restore replaces contents and rules from a snapshot. Rules that no longer
// parse are dropped rather than failing the whole restore.
func (s *StateStore) Restore(values map[string]json.RawMessage, rules []EscalationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.restore(values)
	s.rules, s.parsed = nil, nil
	for _, r := range rules {
		cond, err := condition.Parse(r.Condition)
		if err != nil {
			continue
		}
		s.rules = append(s.rules, r)
		s.parsed = append(s.parsed, cond)
	}
}
