package agent

import (
	"sync"
	"time"
)

// DomState is a serialized DOM snapshot pushed by clients. The hub stores
// and routes it; it never evaluates the markup.
type DomState struct {
	BodyHTML   string            `json:"bodyHtml"`
	HeadHTML   string            `json:"headHtml,omitempty"`
	BodyAttrs  map[string]string `json:"bodyAttrs,omitempty"`
	CapturedAt time.Time         `json:"capturedAt"`
}

// DomMirror holds the latest DOM snapshot for one agent and replays it to
// new subscribers.
type DomMirror struct {
	mu    sync.Mutex
	state *DomState
}

func NewDomMirror() *DomMirror { return &DomMirror{} }

// Set replaces the mirror. A zero CapturedAt is stamped with now.
func (d *DomMirror) Set(s DomState) {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now().UTC()
	}
	d.mu.Lock()
	d.state = &s
	d.mu.Unlock()
}

// Get returns a copy of the latest snapshot, or ok=false when none exists.
func (d *DomMirror) Get() (DomState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return DomState{}, false
	}
	out := *d.state
	if d.state.BodyAttrs != nil {
		out.BodyAttrs = make(map[string]string, len(d.state.BodyAttrs))
		for k, v := range d.state.BodyAttrs {
			out.BodyAttrs[k] = v
		}
	}
	return out, true
}

// Clear drops the snapshot.
func (d *DomMirror) Clear() {
	d.mu.Lock()
	d.state = nil
	d.mu.Unlock()
}
