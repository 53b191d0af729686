// Package persist stores device descriptor snapshots so a session can warm
// up without waiting for the first full-state exchange. Persistence is
// idempotent and best-effort: a store failure never takes a session down.
package persist

import (
	"context"
	"encoding/json"
	"sync"

	merosserrors "github.com/aicarmic/meross-lan/pkg/errors"
)

// ErrNotFound is returned by Load when no snapshot exists for the device.
var ErrNotFound = merosserrors.New(merosserrors.CategoryPersistence, merosserrors.SeverityInfo, "no persisted state for device")

// Store persists descriptor snapshots keyed by device ID. Persist replaces
// any previous snapshot for the same device.
type Store interface {
	// Persist writes the device's full-state payload.
	Persist(ctx context.Context, deviceID string, payload json.RawMessage) error

	// Load returns the last persisted payload, or ErrNotFound.
	Load(ctx context.Context, deviceID string) (json.RawMessage, error)

	// Close releases the store.
	Close() error
}

// MemoryStore is an in-process Store, used in tests and when no state path
// is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]json.RawMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]json.RawMessage)}
}

// Persist implements the Store interface.
func (s *MemoryStore) Persist(ctx context.Context, deviceID string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	s.snapshots[deviceID] = cp
	return nil
}

// Load implements the Store interface.
func (s *MemoryStore) Load(ctx context.Context, deviceID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.snapshots[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	return cp, nil
}

// Close implements the Store interface.
func (s *MemoryStore) Close() error { return nil }
