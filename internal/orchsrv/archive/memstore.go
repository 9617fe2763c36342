package archive

import (
	"context"
	"sync"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
)

// MemStore is the in-memory archive backend, used by tests and by
// single-process deployments that do not keep backups across restarts.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) Put(_ context.Context, key string, data []byte) (string, int64, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return key, int64(len(data)), nil
}

func (s *MemStore) Get(_ context.Context, location string) ([]byte, apperrors.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[location]
	if !ok {
		return nil, ErrArchiveNotFound.Msg("archive object not found: " + location)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *MemStore) Delete(_ context.Context, location string) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, location)
	return nil
}

// Len reports the number of stored objects. Test helper.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
