package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Manager discovers skills under a single directory and keeps them fresh
// while the hub runs. Each immediate subdirectory containing a SKILL.md
// contributes one skill; files that fail to parse are skipped with a
// warning so one broken skill cannot take the rest down.
type Manager struct {
	dir      string
	log      *slog.Logger
	debounce time.Duration

	mu     sync.RWMutex
	skills map[string]*Skill

	watchMu    sync.Mutex
	watcher    *fsnotify.Watcher
	watchPaths map[string]struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log.With("component", "skills")
		}
	}
}

// WithDebounce overrides the watcher debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// NewManager creates a manager rooted at dir. The directory does not need
// to exist yet; Reload treats a missing directory as zero skills.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:      dir,
		log:      slog.Default().With("component", "skills"),
		debounce: defaultDebounce,
		skills:   map[string]*Skill{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reload rescans the skills directory and replaces the loaded set.
func (m *Manager) Reload() error {
	loaded := map[string]*Skill{}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.swap(loaded)
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillFile := filepath.Join(m.dir, entry.Name(), SkillFilename)
		if _, err := os.Stat(skillFile); err != nil {
			continue
		}
		skill, err := ParseSkillFile(skillFile)
		if err != nil {
			m.log.Warn("skipping invalid skill", "path", skillFile, "error", err)
			continue
		}
		if prev, ok := loaded[skill.Name]; ok {
			m.log.Warn("duplicate skill name", "name", skill.Name, "kept", prev.Path, "ignored", skill.Path)
			continue
		}
		loaded[skill.Name] = skill
	}

	m.swap(loaded)
	m.log.Info("loaded skills", "count", len(loaded))

	if err := m.refreshWatches(); err != nil {
		m.log.Warn("refresh skill watches failed", "error", err)
	}
	return nil
}

func (m *Manager) swap(loaded map[string]*Skill) {
	m.mu.Lock()
	m.skills = loaded
	m.mu.Unlock()
}

// Get returns a skill by name.
func (m *Manager) Get(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skill, ok := m.skills[name]
	return skill, ok
}

// List returns all loaded skills sorted by name.
func (m *Manager) List() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Skill, 0, len(m.skills))
	for _, skill := range m.skills {
		result = append(result, skill)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ForAgent returns the skills enabled for an agent, preserving the order
// of the enabled list. Unknown names are skipped.
func (m *Manager) ForAgent(enabled []string) []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Skill, 0, len(enabled))
	for _, name := range enabled {
		if skill, ok := m.skills[name]; ok {
			result = append(result, skill)
		}
	}
	return result
}

// Watch starts the fsnotify loop. Changes under the skills directory
// trigger a debounced Reload. Safe to call once; Close stops it.
func (m *Manager) Watch(ctx context.Context) error {
	m.watchMu.Lock()
	if m.watcher != nil {
		m.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watchMu.Unlock()
		return err
	}
	m.watcher = watcher
	m.watchPaths = map[string]struct{}{}
	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.watchMu.Unlock()

	if err := m.refreshWatches(); err != nil {
		m.log.Warn("initial skill watch refresh failed", "error", err)
	}

	m.wg.Add(1)
	go m.watchLoop(watchCtx)
	return nil
}

// Close stops the watcher, if running.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if err := m.Reload(); err != nil {
				m.log.Warn("skill reload failed during watch refresh", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						m.addWatchPath(event.Name)
					}
				}
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("skill watch error", "error", err)
		}
	}
}

// refreshWatches reconciles watched paths against the root directory and
// the directories of every loaded skill.
func (m *Manager) refreshWatches() error {
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return nil
	}

	desired := map[string]struct{}{}
	if cleaned, ok := normalizeWatchPath(m.dir); ok {
		desired[cleaned] = struct{}{}
	}
	m.mu.RLock()
	for _, skill := range m.skills {
		if cleaned, ok := normalizeWatchPath(skill.Path); ok {
			desired[cleaned] = struct{}{}
		}
	}
	m.mu.RUnlock()

	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	for path := range desired {
		if _, ok := m.watchPaths[path]; ok {
			continue
		}
		if err := watcher.Add(path); err != nil {
			m.log.Debug("failed to watch skills path", "path", path, "error", err)
			continue
		}
		m.watchPaths[path] = struct{}{}
	}
	for path := range m.watchPaths {
		if _, ok := desired[path]; ok {
			continue
		}
		if err := watcher.Remove(path); err != nil {
			m.log.Debug("failed to unwatch skills path", "path", path, "error", err)
		}
		delete(m.watchPaths, path)
	}
	return nil
}

func (m *Manager) addWatchPath(path string) {
	cleaned, ok := normalizeWatchPath(path)
	if !ok {
		return
	}
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher == nil {
		return
	}
	if _, exists := m.watchPaths[cleaned]; exists {
		return
	}
	if err := m.watcher.Add(cleaned); err != nil {
		m.log.Debug("failed to watch skills path", "path", cleaned, "error", err)
		return
	}
	m.watchPaths[cleaned] = struct{}{}
}

func normalizeWatchPath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return filepath.Clean(path), true
}
