package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

// MemStore is an in-memory, thread-safe Store implementation. It is
// primarily useful for testing and for ephemeral ledgers whose durability
// comes from replay rather than local disk.
type MemStore struct {
	mu        sync.RWMutex
	entries   []*audit.Entry
	batches   []*audit.MerkleBatch
	rotations []*Rotation
	manifest  *Manifest
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// AppendEntry implements Store.
func (s *MemStore) AppendEntry(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkNextIndex(e, len(s.entries)); err != nil {
		return err
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

// Entry implements Store.
func (s *MemStore) Entry(_ context.Context, index int) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.entries) {
		return nil, fmt.Errorf("entry %d: %w", index, ErrNotFound)
	}
	cp := *s.entries[index]
	return &cp, nil
}

// Entries implements Store.
func (s *MemStore) Entries(_ context.Context) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.Entry, len(s.entries))
	for i, e := range s.entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Len implements Store.
func (s *MemStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// AppendBatch implements Store.
func (s *MemStore) AppendBatch(_ context.Context, b *audit.MerkleBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.batches = append(s.batches, &cp)
	return nil
}

// Batch implements Store.
func (s *MemStore) Batch(_ context.Context, batchID string) (*audit.MerkleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches {
		if b.BatchID == batchID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
}

// Batches implements Store.
func (s *MemStore) Batches(_ context.Context) ([]*audit.MerkleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.MerkleBatch, len(s.batches))
	for i, b := range s.batches {
		cp := *b
		out[i] = &cp
	}
	return out, nil
}

// SetManifest implements Store.
func (s *MemStore) SetManifest(_ context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.manifest = &cp
	return nil
}

// Manifest implements Store.
func (s *MemStore) Manifest(_ context.Context) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil {
		return nil, fmt.Errorf("manifest: %w", ErrNotFound)
	}
	cp := *s.manifest
	return &cp, nil
}

// AppendRotation implements Store.
func (s *MemStore) AppendRotation(_ context.Context, r *Rotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rotations = append(s.rotations, &cp)
	return nil
}

// Rotations implements Store.
func (s *MemStore) Rotations(_ context.Context) ([]*Rotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rotation, len(s.rotations))
	for i, r := range s.rotations {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// Sync implements Store. A MemStore has nothing to flush.
func (s *MemStore) Sync(_ context.Context) error { return nil }

// Close implements Store.
func (s *MemStore) Close() error { return nil }
