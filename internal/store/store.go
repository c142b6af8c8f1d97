// Package store persists agent sessions and related material on disk.
//
// Layout, one directory per agent under the store root:
//
//	<root>/<agentId>/session.json   serialized snapshot, atomic write
//	<root>/<agentId>/api-key.json   mode 0600, optional
//	<root>/<agentId>/files/         agent files root
//	<root>/push/                    push keys and subscriptions
//
// Session writes go through a temp file and rename so a crash never leaves
// a torn session.json. The store holds no locks across disk I/O; concurrent
// writers of the same agent land last-wins, which matches the hub's
// arrival-order semantics.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/agenthub/internal/agent"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrInvalidID = errors.New("invalid agent id")
)

const (
	sessionFile = "session.json"
	apiKeyFile  = "api-key.json"
	filesDir    = "files"
	pushDir     = "push"
)

// AgentStore is the on-disk agent store rooted at one directory.
type AgentStore struct {
	root string
	log  *slog.Logger
}

// Option configures an AgentStore.
type Option func(*AgentStore)

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *AgentStore) {
		if log != nil {
			s.log = log.With("component", "store")
		}
	}
}

// New opens (and creates if needed) the store root.
func New(root string, opts ...Option) (*AgentStore, error) {
	if root == "" {
		return nil, errors.New("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	s := &AgentStore{root: abs, log: slog.Default().With("component", "store")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute store root.
func (s *AgentStore) Root() string { return s.root }

// validID rejects ids that would escape the store root or collide with
// reserved names.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || id == pushDir {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return ErrInvalidID
	}
	return nil
}

func (s *AgentStore) agentDir(id string) string {
	return filepath.Join(s.root, id)
}

// SaveSession writes an agent's snapshot atomically. The files manifest is
// rebuilt from the files directory before writing, so the snapshot always
// reflects what is actually on disk.
func (s *AgentStore) SaveSession(agentID string, snap *agent.SessionSnapshot) error {
	if err := validID(agentID); err != nil {
		return err
	}
	if snap == nil {
		return errors.New("snapshot is required")
	}
	dir := s.agentDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	if manifest, err := s.BuildManifest(agentID); err == nil {
		snap.Files = manifest
	} else {
		s.log.Warn("files manifest build failed", "agent", agentID, "error", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, sessionFile), data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// LoadSession reads an agent's snapshot. ErrNotFound when the agent has no
// session on disk.
func (s *AgentStore) LoadSession(agentID string) (*agent.SessionSnapshot, error) {
	if err := validID(agentID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.agentDir(agentID), sessionFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var snap agent.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", agentID, err)
	}
	return &snap, nil
}

// List returns the ids of all persisted agents, sorted.
func (s *AgentStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == pushDir {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), sessionFile)); err != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes an agent's directory and everything under it.
func (s *AgentStore) Delete(agentID string) error {
	if err := validID(agentID); err != nil {
		return err
	}
	dir := s.agentDir(agentID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

// DeleteAll removes every persisted agent and returns the removed ids.
// Push material survives.
func (s *AgentStore) DeleteAll() ([]string, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.Delete(id); err != nil {
			return nil, fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return ids, nil
}

// FilesDir returns the agent's files root, creating it on demand.
func (s *AgentStore) FilesDir(agentID string) (string, error) {
	if err := validID(agentID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.agentDir(agentID), filesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create files dir: %w", err)
	}
	return dir, nil
}

// ResolveFile maps a relative path into the agent's files root. Paths that
// normalize outside the root are rejected; "a/../b" resolves to "b".
func (s *AgentStore) ResolveFile(agentID, rel string) (string, error) {
	root, err := s.FilesDir(agentID)
	if err != nil {
		return "", err
	}
	clean := strings.TrimSpace(rel)
	if clean == "" {
		return "", errors.New("path is required")
	}
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("path %q must be relative", rel)
	}
	target := filepath.Join(root, clean)
	within, err := filepath.Rel(root, target)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the agent files root", rel)
	}
	return target, nil
}

// WriteFile writes one agent file, creating parent directories.
func (s *AgentStore) WriteFile(agentID, rel string, data []byte) error {
	path, err := s.ResolveFile(agentID, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// ReadFile reads one agent file.
func (s *AgentStore) ReadFile(agentID, rel string) ([]byte, error) {
	path, err := s.ResolveFile(agentID, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// DeleteFile removes one agent file. Deleting a missing file is not an
// error; write-through deletes may race.
func (s *AgentStore) DeleteFile(agentID, rel string) error {
	path, err := s.ResolveFile(agentID, rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// BuildManifest walks the agent's files root and returns one entry per
// regular file, paths relative to the root, sorted.
func (s *AgentStore) BuildManifest(agentID string) ([]agent.FileEntry, error) {
	root, err := s.FilesDir(agentID)
	if err != nil {
		return nil, err
	}
	var manifest []agent.FileEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		manifest = append(manifest, agent.FileEntry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(manifest, func(i, j int) bool { return manifest[i].Path < manifest[j].Path })
	return manifest, nil
}

type apiKeyPayload struct {
	APIKey string `json:"apiKey"`
}

// SaveAPIKey stores a per-agent API key, readable only by the hub user.
func (s *AgentStore) SaveAPIKey(agentID, key string) error {
	if err := validID(agentID); err != nil {
		return err
	}
	dir := s.agentDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	data, err := json.Marshal(apiKeyPayload{APIKey: key})
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, apiKeyFile), data, 0o600)
}

// LoadAPIKey returns the agent's API key, or ErrNotFound.
func (s *AgentStore) LoadAPIKey(agentID string) (string, error) {
	if err := validID(agentID); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.agentDir(agentID), apiKeyFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	var payload apiKeyPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("decode api key: %w", err)
	}
	return payload.APIKey, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
