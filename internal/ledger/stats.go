package ledger

import (
	"context"
	"time"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

// Stats is a point-in-time operational summary of one ledger.
type Stats struct {
	Mode           audit.Mode `json:"mode"`
	GenesisID      string     `json:"genesis_id,omitempty"`
	Entries        int        `json:"entries"`
	SealedBatches  int        `json:"sealed_batches"`
	PendingEntries int        `json:"pending_entries"`
	BatchSize      int        `json:"batch_size"`
	TipHash        string     `json:"tip_hash,omitempty"`
	ActiveKeyID    string     `json:"active_key_id"`
	ActiveSince    time.Time  `json:"active_since"`
	RetiredKeys    int        `json:"retired_keys"`
	Rotations      int        `json:"rotations"`
	LastSealedAt   *time.Time `json:"last_sealed_at,omitempty"`
}

// Stats reports the committed chain state.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	rots, err := l.store.Rotations(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	s := &Stats{
		Mode:           l.mode,
		GenesisID:      l.genesisID,
		Entries:        l.length,
		SealedBatches:  len(l.batches),
		PendingEntries: len(l.pending),
		BatchSize:      l.batchSize,
		TipHash:        l.tipHash,
		Rotations:      len(rots),
	}
	if n := len(l.batches); n > 0 {
		sealedAt := l.batches[n-1].SealedAt
		s.LastSealedAt = &sealedAt
	}
	l.mu.RUnlock()

	s.ActiveKeyID = l.ring.ActiveID()
	s.ActiveSince = l.ring.ActiveSince()
	s.RetiredKeys = l.ring.RetiredCount()
	return s, nil
}
