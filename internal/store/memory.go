package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/shineum/smtp-outbox/internal/email"
)

// Memory keeps messages in process memory.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put stores a copy of data.
func (m *Memory) Put(_ context.Context, key string, data []byte) (email.Source, error) {
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.objects[key] = cp
	m.mu.Unlock()

	return &memorySource{store: m, key: key}, nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored messages.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

type memorySource struct {
	store *Memory
	key   string
}

func (s *memorySource) Open(_ context.Context) (io.ReadCloser, error) {
	s.store.mu.RLock()
	data, ok := s.store.objects[s.key]
	s.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.key)
	}
	// Stored slices are never written to after Put.
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memorySource) String() string {
	return "memory:" + s.key
}
