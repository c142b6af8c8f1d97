package agent

import (
	"encoding/json"
	"sync"
)

// StorageStore is the per-agent general persistence container. Same quota
// shape as StateStore, no escalation rules.
type StorageStore struct {
	mu   sync.Mutex
	data *quotaMap
}

func NewStorageStore(q Quotas) *StorageStore {
	return &StorageStore{data: newQuotaMap(q)}
}

func (s *StorageStore) Set(key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.data.set(key, value)
	return err
}

func (s *StorageStore) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.get(key)
}

func (s *StorageStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.delete(key)
}

func (s *StorageStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.keys()
}

func (s *StorageStore) All() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.snapshot()
}

func (s *StorageStore) Restore(values map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.restore(values)
}
