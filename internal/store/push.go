package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	vapidFile         = "vapid-keys.json"
	subscriptionsFile = "subscriptions.json"
)

// VapidKeys is the hub's web push signing key pair.
type VapidKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

func (s *AgentStore) pushPath(name string) (string, error) {
	dir := filepath.Join(s.root, pushDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create push dir: %w", err)
	}
	return filepath.Join(dir, name), nil
}

// SaveVapidKeys persists the VAPID pair with the same protection as agent
// API keys.
func (s *AgentStore) SaveVapidKeys(keys VapidKeys) error {
	path, err := s.pushPath(vapidFile)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

// LoadVapidKeys returns the persisted VAPID pair, or ErrNotFound.
func (s *AgentStore) LoadVapidKeys() (VapidKeys, error) {
	path, err := s.pushPath(vapidFile)
	if err != nil {
		return VapidKeys{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return VapidKeys{}, ErrNotFound
		}
		return VapidKeys{}, err
	}
	var keys VapidKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return VapidKeys{}, fmt.Errorf("decode vapid keys: %w", err)
	}
	return keys, nil
}

// SaveSubscriptions persists the verified push subscription set. The push
// package owns the record encoding; the store only places the bytes.
func (s *AgentStore) SaveSubscriptions(data []byte) error {
	path, err := s.pushPath(subscriptionsFile)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// LoadSubscriptions returns the persisted subscription bytes, or
// ErrNotFound.
func (s *AgentStore) LoadSubscriptions() ([]byte, error) {
	path, err := s.pushPath(subscriptionsFile)
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
