package credstore

import (
	"strings"
	"sync"
	"time"
)

// MemoryStore holds the pair for the lifetime of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	pair *Pair
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() *Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePair(s.pair)
}

func (s *MemoryStore) Set(p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = &p
	return nil
}

func (s *MemoryStore) SetAccessOnly(access string, expiresAt time.Time) error {
	if strings.TrimSpace(access) == "" {
		return ErrIncompletePair
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pair == nil {
		return ErrNoCredentials
	}
	s.pair.Access = access
	s.pair.AccessExpiresAt = expiresAt
	return nil
}

func (s *MemoryStore) Rotate(expectedRefresh string, p Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pair == nil || s.pair.Refresh != expectedRefresh {
		return ErrNoCredentials
	}
	s.pair = &p
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = nil
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
