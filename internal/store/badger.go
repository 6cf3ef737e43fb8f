package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

// Key layout: one keyspace per record kind, fixed-width big-endian
// sequence numbers so lexicographic key order equals append order.
var (
	entryKeyPrefix    = []byte("e/")
	batchKeyPrefix    = []byte("b/")
	rotationKeyPrefix = []byte("r/")
	manifestKey       = []byte("m/manifest")
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Dir is the Badger database directory.
	Dir string

	// InMemory keeps everything in RAM. Only for tests.
	InMemory bool

	// NoSync disables synchronous writes. Only for tests.
	NoSync bool
}

// BadgerStore persists the ledger in an embedded Badger database, for
// single-node deployments whose entry volume outgrows flat files. Records
// are the same canonical bytes the FileStore writes; Badger's own WAL
// provides the torn-write protection the FileStore gets from framing.
type BadgerStore struct {
	mu          sync.Mutex
	db          *badger.DB
	entryCount  int
	batchSeq    uint64
	rotationSeq uint64
	logger      *zap.Logger
}

// OpenBadgerStore opens (or initializes) a Badger database and counts the
// persisted records.
func OpenBadgerStore(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("open badger store: dir is required")
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.
		WithSyncWrites(!cfg.NoSync && !cfg.InMemory).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerZapLogger{s: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &BadgerStore{db: db, logger: logger}
	if err := s.db.View(func(txn *badger.Txn) error {
		s.entryCount = countPrefix(txn, entryKeyPrefix)
		s.batchSeq = uint64(countPrefix(txn, batchKeyPrefix))
		s.rotationSeq = uint64(countPrefix(txn, rotationKeyPrefix))
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("scan badger store: %w", err)
	}

	logger.Debug("badger store opened",
		zap.String("dir", cfg.Dir),
		zap.Int("entries", s.entryCount),
		zap.Uint64("batches", s.batchSeq),
	)
	return s, nil
}

// AppendEntry implements Store.
func (s *BadgerStore) AppendEntry(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkNextIndex(e, s.entryCount); err != nil {
		return err
	}
	rec, err := e.MarshalRecord()
	if err != nil {
		return fmt.Errorf("encode entry %d: %w", e.Index, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(entryKeyPrefix, uint64(e.Index)), rec)
	})
	if err != nil {
		return fmt.Errorf("persist entry %d: %w", e.Index, err)
	}
	s.entryCount++
	return nil
}

// Entry implements Store.
func (s *BadgerStore) Entry(_ context.Context, index int) (*audit.Entry, error) {
	if index < 0 {
		return nil, fmt.Errorf("entry %d: %w", index, ErrNotFound)
	}
	var rec []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey(entryKeyPrefix, uint64(index)))
		if err != nil {
			return err
		}
		rec, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("entry %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", index, err)
	}
	return audit.UnmarshalRecord(rec)
}

// Entries implements Store.
func (s *BadgerStore) Entries(_ context.Context) ([]*audit.Entry, error) {
	var out []*audit.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, entryKeyPrefix, func(rec []byte) error {
			e, err := audit.UnmarshalRecord(rec)
			if err != nil {
				return fmt.Errorf("decode entry %d: %w", len(out), err)
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return out, nil
}

// Len implements Store.
func (s *BadgerStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryCount, nil
}

// AppendBatch implements Store.
func (s *BadgerStore) AppendBatch(_ context.Context, b *audit.MerkleBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := b.MarshalRecord()
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.BatchID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(batchKeyPrefix, s.batchSeq), rec)
	})
	if err != nil {
		return fmt.Errorf("persist batch %s: %w", b.BatchID, err)
	}
	s.batchSeq++
	return nil
}

// Batch implements Store. Sealed batches are three orders of magnitude
// rarer than entries, so a prefix scan is fine here.
func (s *BadgerStore) Batch(ctx context.Context, batchID string) (*audit.MerkleBatch, error) {
	batches, err := s.Batches(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		if b.BatchID == batchID {
			return b, nil
		}
	}
	return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
}

// Batches implements Store.
func (s *BadgerStore) Batches(_ context.Context) ([]*audit.MerkleBatch, error) {
	var out []*audit.MerkleBatch
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, batchKeyPrefix, func(rec []byte) error {
			b, err := audit.UnmarshalBatchRecord(rec)
			if err != nil {
				return fmt.Errorf("decode batch: %w", err)
			}
			out = append(out, b)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan batches: %w", err)
	}
	return out, nil
}

// SetManifest implements Store.
func (s *BadgerStore) SetManifest(_ context.Context, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestKey, data)
	})
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Manifest implements Store.
func (s *BadgerStore) Manifest(_ context.Context) (*Manifest, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("manifest: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// AppendRotation implements Store.
func (s *BadgerStore) AppendRotation(_ context.Context, r *Rotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rotation: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(rotationKeyPrefix, s.rotationSeq), data)
	})
	if err != nil {
		return fmt.Errorf("persist rotation: %w", err)
	}
	s.rotationSeq++
	return nil
}

// Rotations implements Store.
func (s *BadgerStore) Rotations(_ context.Context) ([]*Rotation, error) {
	var out []*Rotation
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, rotationKeyPrefix, func(rec []byte) error {
			r := &Rotation{}
			if err := json.Unmarshal(rec, r); err != nil {
				return fmt.Errorf("decode rotation: %w", err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan rotations: %w", err)
	}
	return out, nil
}

// Sync implements Store.
func (s *BadgerStore) Sync(_ context.Context) error {
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// seqKey builds prefix + 8-byte big-endian sequence number.
func seqKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(rec []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			rec := make([]byte, len(val))
			copy(rec, val)
			return fn(rec)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// badgerZapLogger adapts zap to Badger's Logger interface.
type badgerZapLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerZapLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l *badgerZapLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l *badgerZapLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l *badgerZapLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }
