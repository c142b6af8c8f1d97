// Package browser manages per-agent headless Chrome sessions. Each agent
// gets at most one session, created on first use and reclaimed after a
// period of inactivity. Sessions carry a persistent profile directory when
// the pool is configured with one, so logins survive hub restarts.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const sweepInterval = time.Minute

var (
	// ErrTooManySessions is returned when the concurrent session limit
	// is reached and a new agent asks for a browser.
	ErrTooManySessions = errors.New("browser session limit reached")

	// ErrNoSession is returned when an operation targets an agent that
	// has no live session.
	ErrNoSession = errors.New("no browser session for agent")

	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("browser pool is closed")
)

// Config configures the session pool.
type Config struct {
	// MaxSessions caps concurrent browser sessions. Default 5.
	MaxSessions int

	// SessionTTL is the inactivity timeout before a session is swept.
	// Default 30 minutes.
	SessionTTL time.Duration

	// ViewportWidth and ViewportHeight apply to every session page.
	// Defaults 1280x720.
	ViewportWidth  int
	ViewportHeight int

	// ProfileDir returns the persistent profile directory for an agent.
	// Nil means sessions get throwaway profiles under a temp root that
	// is removed when the pool closes.
	ProfileDir func(agentID string) string
}

// Session is a live browser context owned by one agent.
type Session struct {
	agentID     string
	taskCtx     context.Context
	taskCancel  context.CancelFunc
	allocCancel context.CancelFunc
	profileDir  string
	ephemeral   bool
	refs        *RefMap

	lastUsed time.Time // guarded by the pool mutex
}

// Ctx returns the chromedp task context. Callers bound individual
// operations with context.WithTimeout on top of it.
func (s *Session) Ctx() context.Context { return s.taskCtx }

// Refs returns the session's element-ref map.
func (s *Session) Refs() *RefMap { return s.refs }

// AgentID returns the owning agent id.
func (s *Session) AgentID() string { return s.agentID }

func (s *Session) close(log *slog.Logger) {
	// Graceful browser shutdown first so the profile directory is left
	// in a consistent state.
	if err := chromedp.Cancel(s.taskCtx); err != nil {
		log.Debug("browser cancel", "agent", s.agentID, "error", err)
	}
	s.taskCancel()
	s.allocCancel()
	if s.ephemeral && s.profileDir != "" {
		if err := os.RemoveAll(s.profileDir); err != nil {
			log.Warn("remove browser profile", "path", s.profileDir, "error", err)
		}
	}
}

// Pool hands out per-agent browser sessions.
type Pool struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	tempOnce sync.Once
	tempRoot string
	tempErr  error

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	started bool
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log.With("component", "browser")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPool creates a session pool.
func NewPool(cfg Config, opts ...Option) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 5
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 720
	}
	p := &Pool{
		cfg:      cfg,
		log:      slog.Default().With("component", "browser"),
		now:      time.Now,
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreate returns the agent's session, creating one if needed. The
// session's inactivity clock resets on every call.
func (p *Pool) GetOrCreate(agentID string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if s, ok := p.sessions[agentID]; ok {
		s.lastUsed = p.now()
		p.mu.Unlock()
		return s, nil
	}
	if len(p.sessions) >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w (max %d)", ErrTooManySessions, p.cfg.MaxSessions)
	}
	p.mu.Unlock()

	dir, ephemeral, err := p.profileDir(agentID)
	if err != nil {
		return nil, err
	}

	s := p.newSession(agentID, dir, ephemeral)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.close(p.log)
		return nil, ErrPoolClosed
	}
	if existing, ok := p.sessions[agentID]; ok {
		// Lost the race to another caller; keep theirs.
		existing.lastUsed = p.now()
		p.mu.Unlock()
		s.close(p.log)
		return existing, nil
	}
	if len(p.sessions) >= p.cfg.MaxSessions {
		p.mu.Unlock()
		s.close(p.log)
		return nil, fmt.Errorf("%w (max %d)", ErrTooManySessions, p.cfg.MaxSessions)
	}
	s.lastUsed = p.now()
	p.sessions[agentID] = s
	p.mu.Unlock()

	p.log.Info("browser session created", "agent", agentID, "profile", dir, "ephemeral", ephemeral)
	return s, nil
}

func (p *Pool) newSession(agentID, dir string, ephemeral bool) *Session {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(dir),
		chromedp.WindowSize(p.cfg.ViewportWidth, p.cfg.ViewportHeight),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	// Headless agents cannot answer javascript dialogs; accept them so
	// pages never wedge the session.
	chromedp.ListenTarget(taskCtx, func(ev any) {
		if _, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			go func() {
				if err := chromedp.Run(taskCtx, page.HandleJavaScriptDialog(true)); err != nil {
					p.log.Debug("dismiss dialog", "agent", agentID, "error", err)
				}
			}()
		}
	})

	return &Session{
		agentID:     agentID,
		taskCtx:     taskCtx,
		taskCancel:  taskCancel,
		allocCancel: allocCancel,
		profileDir:  dir,
		ephemeral:   ephemeral,
		refs:        NewRefMap(),
	}
}

func (p *Pool) profileDir(agentID string) (string, bool, error) {
	if p.cfg.ProfileDir != nil {
		dir := p.cfg.ProfileDir(agentID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, fmt.Errorf("create profile dir: %w", err)
		}
		return dir, false, nil
	}
	p.tempOnce.Do(func() {
		p.tempRoot, p.tempErr = os.MkdirTemp("", "agenthub-browser-*")
	})
	if p.tempErr != nil {
		return "", false, fmt.Errorf("create temp profile root: %w", p.tempErr)
	}
	dir := filepath.Join(p.tempRoot, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("create profile dir: %w", err)
	}
	return dir, true, nil
}

// Touch extends the session's inactivity timeout. Returns false when the
// agent has no session.
func (p *Pool) Touch(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[agentID]
	if !ok {
		return false
	}
	s.lastUsed = p.now()
	return true
}

// CloseSession releases the agent's session.
func (p *Pool) CloseSession(agentID string) error {
	p.mu.Lock()
	s, ok := p.sessions[agentID]
	if ok {
		delete(p.sessions, agentID)
	}
	p.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.close(p.log)
	p.log.Info("browser session closed", "agent", agentID)
	return nil
}

// Rekey transfers a session and its element-ref map to a new agent id.
// Used when a browser-local agent is promoted to a hub agent. No session
// under oldID is not an error; there is simply nothing to transfer.
func (p *Pool) Rekey(oldID, newID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[oldID]
	if !ok {
		return nil
	}
	if _, taken := p.sessions[newID]; taken {
		return fmt.Errorf("session already exists for %q", newID)
	}
	delete(p.sessions, oldID)
	s.agentID = newID
	s.lastUsed = p.now()
	p.sessions[newID] = s
	return nil
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Sweep closes sessions idle past the TTL and returns their agent ids.
func (p *Pool) Sweep() []string {
	cutoff := p.now().Add(-p.cfg.SessionTTL)

	p.mu.Lock()
	var expired []*Session
	for id, s := range p.sessions {
		if s.lastUsed.Before(cutoff) {
			expired = append(expired, s)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		s.close(p.log)
		ids = append(ids, s.agentID)
		p.log.Info("browser session expired", "agent", s.agentID)
	}
	return ids
}

// Start runs the inactivity sweep until the context is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("browser pool already started")
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep()
			}
		}
	}()
	return nil
}

// Stop waits for the sweep loop to exit, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases every session and the temp profile root. The pool is
// unusable afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = map[string]*Session{}
	p.mu.Unlock()

	for _, s := range sessions {
		s.close(p.log)
	}
	if p.tempRoot != "" {
		if err := os.RemoveAll(p.tempRoot); err != nil {
			p.log.Warn("remove browser temp root", "path", p.tempRoot, "error", err)
		}
	}
	return nil
}
