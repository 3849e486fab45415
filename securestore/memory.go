package securestore

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. It is used in tests and
// wherever persistence across restarts is not wanted. SetAvailable lets a
// caller simulate a device whose protected data is locked
type MemoryStore struct {
	service string

	mu          sync.RWMutex
	items       map[string][]byte
	unavailable bool
	closed      bool
}

// NewMemory returns an empty in-memory store scoped under service
func NewMemory(service string) *MemoryStore {
	return &MemoryStore{
		service: serviceOrDefault(service),
		items:   make(map[string][]byte),
	}
}

// SetAvailable toggles protected data availability
func (s *MemoryStore) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = !available
}

func (s *MemoryStore) key(k string) string {
	return s.service + "/" + k
}

func (s *MemoryStore) check() error {
	if s.closed {
		return ErrClosed
	}
	if s.unavailable {
		return ErrUnavailable
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	v, ok := s.items[s.key(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	s.items[s.key(key)] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	delete(s.items, s.key(key))
	return nil
}

func (s *MemoryStore) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && !s.unavailable
}

// Len returns the number of records held
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = make(map[string][]byte)
	return nil
}
