package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

// advisoryLockKey serialises concurrent entry appends across every process
// sharing the database. The value is arbitrary but must be consistent for
// all writers of a lineage.
const advisoryLockKey = int64(2_208_114_377)

// PostgresStore persists the ledger in PostgreSQL. Entry and batch records
// are stored as the exact canonical bytes in bytea columns; storing them as
// jsonb would re-order object keys and break byte-level verification.
//
// The schema is applied by `sal migrate` (migrations/001_init.up.sql).
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool. The
// store takes ownership of the pool and closes it on Close.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// AppendEntry implements Store. It acquires a transaction-scoped advisory
// lock, confirms the entry extends the current chain, and inserts the
// record, all in one transaction, so two writers can never both append
// the same index.
func (s *PostgresStore) AppendEntry(ctx context.Context, e *audit.Entry) error {
	rec, err := e.MarshalRecord()
	if err != nil {
		return fmt.Errorf("encode entry %d: %w", e.Index, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var n int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return fmt.Errorf("read chain length: %w", err)
	}
	if err := checkNextIndex(e, n); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO ledger_entries (idx, record) VALUES ($1, $2)",
		e.Index, rec,
	); err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Index, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit entry %d: %w", e.Index, err)
	}

	s.logger.Debug("entry appended",
		zap.Int("idx", e.Index),
		zap.String("action", e.Action),
	)
	return nil
}

// Entry implements Store.
func (s *PostgresStore) Entry(ctx context.Context, index int) (*audit.Entry, error) {
	var rec []byte
	err := s.pool.QueryRow(ctx,
		"SELECT record FROM ledger_entries WHERE idx = $1", index,
	).Scan(&rec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", index, err)
	}
	return audit.UnmarshalRecord(rec)
}

// Entries implements Store.
func (s *PostgresStore) Entries(ctx context.Context) ([]*audit.Entry, error) {
	rows, err := s.pool.Query(ctx, "SELECT record FROM ledger_entries ORDER BY idx ASC")
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		e, err := audit.UnmarshalRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", len(out), err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// AppendBatch implements Store.
func (s *PostgresStore) AppendBatch(ctx context.Context, b *audit.MerkleBatch) error {
	rec, err := b.MarshalRecord()
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.BatchID, err)
	}
	if _, err := s.pool.Exec(ctx,
		"INSERT INTO ledger_batches (batch_id, start_idx, record) VALUES ($1, $2, $3)",
		b.BatchID, b.StartIndex, rec,
	); err != nil {
		return fmt.Errorf("insert batch %s: %w", b.BatchID, err)
	}
	return nil
}

// Batch implements Store.
func (s *PostgresStore) Batch(ctx context.Context, batchID string) (*audit.MerkleBatch, error) {
	var rec []byte
	err := s.pool.QueryRow(ctx,
		"SELECT record FROM ledger_batches WHERE batch_id = $1", batchID,
	).Scan(&rec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return audit.UnmarshalBatchRecord(rec)
}

// Batches implements Store.
func (s *PostgresStore) Batches(ctx context.Context) ([]*audit.MerkleBatch, error) {
	rows, err := s.pool.Query(ctx, "SELECT record FROM ledger_batches ORDER BY start_idx ASC")
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []*audit.MerkleBatch
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		b, err := audit.UnmarshalBatchRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetManifest implements Store.
func (s *PostgresStore) SetManifest(ctx context.Context, m *Manifest) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_manifest (id, version, mode, genesis_id, created_at)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET version = $1, mode = $2, genesis_id = $3, created_at = $4`,
		m.Version, string(m.Mode), m.GenesisID, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Manifest implements Store.
func (s *PostgresStore) Manifest(ctx context.Context) (*Manifest, error) {
	m := &Manifest{}
	var mode string
	err := s.pool.QueryRow(ctx,
		"SELECT version, mode, genesis_id, created_at FROM ledger_manifest WHERE id = 1",
	).Scan(&m.Version, &mode, &m.GenesisID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("manifest: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	m.Mode = audit.Mode(mode)
	return m, nil
}

// AppendRotation implements Store.
func (s *PostgresStore) AppendRotation(ctx context.Context, r *Rotation) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_rotations (old_key_id, new_key_id, effective_idx, rotated_at)
		 VALUES ($1, $2, $3, $4)`,
		r.OldKeyID, r.NewKeyID, r.EffectiveIndex, r.RotatedAt,
	); err != nil {
		return fmt.Errorf("insert rotation: %w", err)
	}
	return nil
}

// Rotations implements Store.
func (s *PostgresStore) Rotations(ctx context.Context) ([]*Rotation, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT old_key_id, new_key_id, effective_idx, rotated_at FROM ledger_rotations ORDER BY seq ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("query rotations: %w", err)
	}
	defer rows.Close()

	var out []*Rotation
	for rows.Next() {
		r := &Rotation{}
		if err := rows.Scan(&r.OldKeyID, &r.NewKeyID, &r.EffectiveIndex, &r.RotatedAt); err != nil {
			return nil, fmt.Errorf("scan rotation row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sync implements Store. Postgres commits are already durable.
func (s *PostgresStore) Sync(_ context.Context) error { return nil }

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
