// Package anchor publishes sealed Merkle batch roots to external
// witnesses. An anchor record carries only public material (the signed
// root and its coverage), so it can live on untrusted storage; comparing
// a ledger's batch roots against independently held anchors detects
// wholesale history rewrites that in-ledger verification cannot.
package anchor

import (
	"context"
	"time"
)

// Record is one pinned witness copy of a sealed batch root.
type Record struct {
	AnchorID      string    `json:"anchor_id"`
	GenesisID     string    `json:"genesis_id,omitempty"`
	BatchID       string    `json:"batch_id"`
	MerkleRoot    string    `json:"merkle_root"`
	RootSignature string    `json:"root_signature,omitempty"`
	StartIndex    int       `json:"start_index"`
	EndIndex      int       `json:"end_index"`
	SealedAt      time.Time `json:"sealed_at"`
	PinnedAt      time.Time `json:"pinned_at"`

	// Backends lists the backends that accepted this record. Populated on
	// the record returned from a pin, never persisted.
	Backends []string `json:"backends,omitempty"`
}

// Backend stores anchor records outside the ledger's own trust domain.
// Pinning the same batch twice is not an error; the first pin wins.
type Backend interface {
	Name() string
	Pin(ctx context.Context, rec *Record) error
	List(ctx context.Context) ([]*Record, error)
}
