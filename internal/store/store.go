// Package store persists the ledger's append-only state: the entry log, the
// sealed batch metadata, the key rotation log, and the manifest identifying
// the lineage.
//
// Four implementations of the Store interface are provided:
//   - MemStore: in-process, for testing and development.
//   - FileStore: length-prefix framed append-only files, the default.
//   - PostgresStore: durable shared storage for fleet deployments.
//   - BadgerStore: embedded key-value storage for single-node deployments
//     that outgrow flat files.
//
// Records are stored as the exact canonical bytes produced by
// audit.Entry.MarshalRecord and audit.MerkleBatch.MarshalRecord, so a chain
// replayed into any implementation is byte-identical in all of them.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

// Manifest identifies a ledger lineage. It is written once when the store
// is initialized and read back on every open.
type Manifest struct {
	Version   int        `json:"version"`
	Mode      audit.Mode `json:"mode"`
	GenesisID string     `json:"genesis_id"`
	CreatedAt time.Time  `json:"created_at"`
}

// ManifestVersion is the current manifest schema version.
const ManifestVersion = 1

// Rotation is one record of the key rotation log: the key ids involved and
// the first entry index tagged with the new key.
type Rotation struct {
	OldKeyID       string    `json:"old_key_id"`
	NewKeyID       string    `json:"new_key_id"`
	EffectiveIndex int       `json:"effective_index"`
	RotatedAt      time.Time `json:"rotated_at"`
}

// Store is the persistence interface behind a ledger. Entries and batches
// are append-only; nothing is ever updated or deleted.
type Store interface {
	// AppendEntry durably persists one entry. The entry must carry the
	// next sequential index; the append fails otherwise.
	AppendEntry(ctx context.Context, e *audit.Entry) error

	// Entry returns the entry at the given zero-based index.
	Entry(ctx context.Context, index int) (*audit.Entry, error)

	// Entries returns every entry ordered by index.
	Entries(ctx context.Context) ([]*audit.Entry, error)

	// Len returns the number of persisted entries.
	Len(ctx context.Context) (int, error)

	// AppendBatch persists one sealed batch record.
	AppendBatch(ctx context.Context, b *audit.MerkleBatch) error

	// Batch returns the sealed batch with the given id, or an error
	// wrapping ErrNotFound.
	Batch(ctx context.Context, batchID string) (*audit.MerkleBatch, error)

	// Batches returns every sealed batch ordered by StartIndex.
	Batches(ctx context.Context) ([]*audit.MerkleBatch, error)

	// SetManifest writes the lineage manifest.
	SetManifest(ctx context.Context, m *Manifest) error

	// Manifest reads the lineage manifest, or an error wrapping
	// ErrNotFound if the store was never initialized.
	Manifest(ctx context.Context) (*Manifest, error)

	// AppendRotation appends one record to the key rotation log.
	AppendRotation(ctx context.Context, r *Rotation) error

	// Rotations returns the rotation log in append order.
	Rotations(ctx context.Context) ([]*Rotation, error)

	// Sync flushes buffered writes to stable storage.
	Sync(ctx context.Context) error

	// Close releases underlying resources. The store is unusable after.
	Close() error
}

// ErrNotFound is returned when a requested entry, batch, or manifest does
// not exist. Implementations wrap it with context.
var ErrNotFound = fmt.Errorf("store: not found")

// checkNextIndex validates that e extends a chain of length n.
func checkNextIndex(e *audit.Entry, n int) error {
	if e.Index != n {
		return fmt.Errorf("append entry: index %d out of order, next is %d", e.Index, n)
	}
	return nil
}
