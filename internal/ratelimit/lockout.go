// Package ratelimit tracks failed authentication attempts per remote
// address and locks out sources that keep failing.
package ratelimit

import (
	"context"
	"net"
	"sync"
	"time"
)

// Config controls the lockout table.
type Config struct {
	// MaxFailures locks an address once reached.
	MaxFailures int
	// LockFor is the lockout duration after the final failure.
	LockFor time.Duration
	// MaxEntries bounds the table; the oldest non-locked entry is evicted
	// on overflow.
	MaxEntries int
	// SweepEvery is the stale-record sweep interval.
	SweepEvery time.Duration
}

// DefaultConfig returns the production lockout settings.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		LockFor:     15 * time.Minute,
		MaxEntries:  10_000,
		SweepEvery:  5 * time.Minute,
	}
}

type record struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// Lockout is the failed-auth table. Check before comparing any token;
// a locked address must not reach the comparison at all.
type Lockout struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*record
	started bool
	wg      sync.WaitGroup
}

// Option configures a Lockout.
type Option func(*Lockout)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Lockout) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a lockout table. Zero config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Lockout {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.LockFor <= 0 {
		cfg.LockFor = def.LockFor
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = def.SweepEvery
	}
	l := &Lockout{
		cfg:     cfg,
		now:     time.Now,
		entries: map[string]*record{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locked reports whether addr is currently locked out and, if so, for how
// much longer. An attempt against a locked address does not extend the
// lock.
func (l *Lockout) Locked(addr string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.entries[addr]
	if !ok {
		return false, 0
	}
	if r.lockedUntil.After(now) {
		return true, r.lockedUntil.Sub(now)
	}
	return false, 0
}

// RecordFailure counts one failed attempt from addr; reaching the failure
// limit locks the address. Returns true when this failure triggered the
// lock.
func (l *Lockout) RecordFailure(addr string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.entries[addr]
	if !ok {
		if len(l.entries) >= l.cfg.MaxEntries {
			l.evictLocked(now)
		}
		r = &record{}
		l.entries[addr] = r
	}
	// A stale failure streak restarts the count.
	if !r.lastFailure.IsZero() && now.Sub(r.lastFailure) > l.cfg.LockFor {
		r.failures = 0
	}
	r.failures++
	r.lastFailure = now
	if r.failures >= l.cfg.MaxFailures && !r.lockedUntil.After(now) {
		r.lockedUntil = now.Add(l.cfg.LockFor)
		return true
	}
	return false
}

// Reset clears addr after a successful authentication.
func (l *Lockout) Reset(addr string) {
	l.mu.Lock()
	delete(l.entries, addr)
	l.mu.Unlock()
}

// Len returns the table size.
func (l *Lockout) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictLocked removes the oldest non-locked entry; when every entry is
// locked, the one closest to expiry goes. Caller holds l.mu.
func (l *Lockout) evictLocked(now time.Time) {
	var victim string
	var oldest time.Time
	for addr, r := range l.entries {
		if r.lockedUntil.After(now) {
			continue
		}
		if victim == "" || r.lastFailure.Before(oldest) {
			victim, oldest = addr, r.lastFailure
		}
	}
	if victim == "" {
		var soonest time.Time
		for addr, r := range l.entries {
			if victim == "" || r.lockedUntil.Before(soonest) {
				victim, soonest = addr, r.lockedUntil
			}
		}
	}
	if victim != "" {
		delete(l.entries, victim)
	}
}

// Sweep drops records whose lock and failure streak have both expired.
// Returns the number removed.
func (l *Lockout) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for addr, r := range l.entries {
		if r.lockedUntil.After(now) {
			continue
		}
		if now.Sub(r.lastFailure) > l.cfg.LockFor {
			delete(l.entries, addr)
			removed++
		}
	}
	return removed
}

// Start runs the periodic sweep until the context is cancelled.
func (l *Lockout) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
	return nil
}

// Stop waits for the sweep loop to exit.
func (l *Lockout) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CanonicalAddr strips the port from a transport remote address so every
// connection from one host shares a lockout record.
func CanonicalAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
