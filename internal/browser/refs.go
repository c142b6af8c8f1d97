package browser

import (
	"fmt"
	"sync"
)

// RefMap assigns opaque e<N> tokens to element selectors discovered by a
// page snapshot. Agents target elements by token so raw selectors never
// round-trip through the model. Tokens are numbered monotonically across
// snapshots: a token from a stale snapshot misses instead of silently
// resolving to a different element.
type RefMap struct {
	mu   sync.Mutex
	refs map[string]string
	next int
}

// NewRefMap returns an empty ref map.
func NewRefMap() *RefMap {
	return &RefMap{refs: map[string]string{}}
}

// Add registers a selector and returns its token.
func (m *RefMap) Add(selector string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	token := fmt.Sprintf("e%d", m.next)
	m.refs[token] = selector
	return token
}

// Replace clears the map and registers the given selectors in order,
// returning their tokens. Called on each snapshot so only the latest
// snapshot's elements are addressable.
func (m *RefMap) Replace(selectors []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs = make(map[string]string, len(selectors))
	tokens := make([]string, len(selectors))
	for i, sel := range selectors {
		m.next++
		token := fmt.Sprintf("e%d", m.next)
		m.refs[token] = sel
		tokens[i] = token
	}
	return tokens
}

// Selector resolves a token back to its selector.
func (m *RefMap) Selector(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, ok := m.refs[token]
	return sel, ok
}

// Len returns the number of live tokens.
func (m *RefMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs)
}
