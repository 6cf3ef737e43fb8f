package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmerrifield20/sovereign-ledger/pkg/canonical"
)

// MerkleBatch is a sealed, contiguous window of chain entries summarized by
// a single Merkle root. Batches never overlap, and once sealed they are
// immutable. RootSignature is empty for operational-mode ledgers.
type MerkleBatch struct {
	BatchID       string    `json:"batch_id"`
	StartIndex    int       `json:"start_index"`
	EndIndex      int       `json:"end_index"`
	LeafHashes    []string  `json:"leaf_hashes"`
	MerkleRoot    string    `json:"merkle_root"`
	RootSignature string    `json:"root_signature"`
	SealedAt      time.Time `json:"sealed_at"`
}

// Size returns the number of entries the batch covers.
func (b *MerkleBatch) Size() int {
	return b.EndIndex - b.StartIndex + 1
}

// Covers reports whether the entry at index falls inside the batch window.
func (b *MerkleBatch) Covers(index int) bool {
	return index >= b.StartIndex && index <= b.EndIndex
}

// MarshalRecord encodes the batch into its canonical persisted form.
func (b *MerkleBatch) MarshalRecord() ([]byte, error) {
	rec := *b
	rec.SealedAt = rec.SealedAt.UTC()
	out, err := canonical.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshal batch %s: %w", b.BatchID, err)
	}
	return out, nil
}

// UnmarshalBatchRecord decodes a persisted batch record.
func UnmarshalBatchRecord(data []byte) (*MerkleBatch, error) {
	var b MerkleBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode batch record: %w", err)
	}
	return &b, nil
}
