// Package ledger implements the tamper-evident audit ledger: an append-only
// hash chain of signed, HMAC-tagged entries, periodically summarized into
// signed Merkle batches that support compact offline inclusion proofs.
//
// A Ledger owns all key state for one lineage and is constructed once at
// process start. Writes are strictly serialized through an internal writer
// lock; reads take a committed-length snapshot and run without blocking the
// writer.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/internal/keyroot"
	"github.com/jmerrifield20/sovereign-ledger/internal/metrics"
	"github.com/jmerrifield20/sovereign-ledger/internal/store"
	"github.com/jmerrifield20/sovereign-ledger/internal/tagkey"
	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
	"github.com/jmerrifield20/sovereign-ledger/pkg/canonical"
	"github.com/jmerrifield20/sovereign-ledger/pkg/merkle"
)

const (
	// DefaultBatchSize is the number of unsealed entries that triggers a
	// Merkle batch seal.
	DefaultBatchSize = 1000

	// DefaultAppendTimeout bounds how long a writer waits for the append
	// lock before giving up with audit.ErrWriteTimeout.
	DefaultAppendTimeout = 5 * time.Second

	// DefaultMaxFindings caps the diagnostics a verification run collects.
	DefaultMaxFindings = 100

	rotationActor  = "system"
	rotationAction = "key_rotated"
)

// batchNamespace is the UUIDv5 namespace for batch ids, which are derived
// from (lineage, start, end) so independent replays of the same chain seal
// identically named batches.
var batchNamespace = uuid.MustParse("5ab99d31-0c10-4a31-9080-3c1e6ea4c9ad")

// Config assembles a Ledger from its collaborators.
type Config struct {
	// Store is the persistence backend. Required.
	Store store.Store

	// KeyRoot is the genesis signing keypair. Required in sovereign mode
	// and must be nil in operational mode.
	KeyRoot *keyroot.KeyRoot

	// Ring is the rotating HMAC tag key ring. Required.
	Ring *tagkey.Ring

	// Mode is the guarantee level, fixed for the lifetime of the lineage.
	Mode audit.Mode

	// BatchSize overrides DefaultBatchSize when positive.
	BatchSize int

	// AppendTimeout overrides DefaultAppendTimeout when positive.
	AppendTimeout time.Duration

	// MaxFindings overrides DefaultMaxFindings when positive.
	MaxFindings int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time

	Logger *zap.Logger
}

// Ledger is the single writer and verifier for one audit chain lineage.
type Ledger struct {
	store         store.Store
	root          *keyroot.KeyRoot
	ring          *tagkey.Ring
	mode          audit.Mode
	genesisID     string
	batchSize     int
	appendTimeout time.Duration
	maxFindings   int
	clock         func() time.Time
	logger        *zap.Logger

	// writeSem serializes every mutating operation. Capacity 1: holding
	// the slot is holding the append lock.
	writeSem chan struct{}

	// mu guards the committed tail state below. Readers snapshot length
	// under it and then work against immutable records.
	mu            sync.RWMutex
	length        int
	tipHash       string
	lastKeyID     string
	pending       []string
	sealedThrough int
	batches       []*audit.MerkleBatch
}

// Open validates the manifest (creating it for a new lineage), loads the
// persisted chain tail, and returns a ready Ledger. Opening never mutates
// the chain: a damaged chain opens with a warning so verification can
// diagnose it.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if cfg.Ring == nil {
		return nil, errors.New("ledger: tag key ring is required")
	}
	switch cfg.Mode {
	case audit.ModeSovereign:
		if cfg.KeyRoot == nil {
			return nil, fmt.Errorf("%w: sovereign mode requires the genesis keypair", audit.ErrKeyLoad)
		}
	case audit.ModeOperational:
		if cfg.KeyRoot != nil {
			return nil, errors.New("ledger: operational mode does not take a key root")
		}
	default:
		return nil, fmt.Errorf("ledger: unknown mode %q", cfg.Mode)
	}

	l := &Ledger{
		store:         cfg.Store,
		root:          cfg.KeyRoot,
		ring:          cfg.Ring,
		mode:          cfg.Mode,
		batchSize:     cfg.BatchSize,
		appendTimeout: cfg.AppendTimeout,
		maxFindings:   cfg.MaxFindings,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		writeSem:      make(chan struct{}, 1),
	}
	if l.batchSize <= 0 {
		l.batchSize = DefaultBatchSize
	}
	if l.appendTimeout <= 0 {
		l.appendTimeout = DefaultAppendTimeout
	}
	if l.maxFindings <= 0 {
		l.maxFindings = DefaultMaxFindings
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.root != nil {
		l.genesisID = l.root.GenesisID()
	}

	if err := l.checkManifest(ctx); err != nil {
		return nil, err
	}
	if err := l.loadTail(ctx); err != nil {
		return nil, err
	}

	l.logger.Info("ledger opened",
		zap.String("mode", string(l.mode)),
		zap.String("genesis_id", l.genesisID),
		zap.Int("entries", l.length),
		zap.Int("batches", len(l.batches)),
		zap.Int("pending", len(l.pending)),
	)
	return l, nil
}

// checkManifest binds the store to one lineage and one mode, creating the
// manifest on first open. A mode or lineage mismatch refuses to open: the
// guarantee level is never silently switched.
func (l *Ledger) checkManifest(ctx context.Context) error {
	m, err := l.store.Manifest(ctx)
	if errors.Is(err, store.ErrNotFound) {
		m = &store.Manifest{
			Version:   store.ManifestVersion,
			Mode:      l.mode,
			GenesisID: l.genesisID,
			CreatedAt: l.clock().UTC(),
		}
		if err := l.store.SetManifest(ctx, m); err != nil {
			return fmt.Errorf("initialize manifest: %w", err)
		}
		l.logger.Info("ledger lineage initialized",
			zap.String("mode", string(m.Mode)),
			zap.String("genesis_id", m.GenesisID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	if m.Mode != l.mode {
		return fmt.Errorf("ledger was initialized in %s mode, refusing to open in %s mode", m.Mode, l.mode)
	}
	if l.mode.Signed() && m.GenesisID != l.genesisID {
		return fmt.Errorf("%w: genesis key %s does not match ledger lineage %s", audit.ErrKeyLoad, l.genesisID, m.GenesisID)
	}
	return nil
}

// loadTail restores the committed tail state from the store.
func (l *Ledger) loadTail(ctx context.Context) error {
	entries, err := l.store.Entries(ctx)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}
	batches, err := l.store.Batches(ctx)
	if err != nil {
		return fmt.Errorf("load batches: %w", err)
	}

	// Cheap continuity scan over stored fields only. Anything found here
	// is diagnosed properly by VerifyIntegrity; opening still succeeds so
	// the operator can run it.
	for i, e := range entries {
		if e.Index != i {
			l.logger.Warn("entry index out of sequence", zap.Int("position", i), zap.Int("index", e.Index))
		}
		if i > 0 && e.PrevHash != entries[i-1].ContentHash {
			l.logger.Warn("hash chain discontinuity", zap.Int("index", i))
		}
	}

	l.length = len(entries)
	if l.length > 0 {
		tail := entries[l.length-1]
		l.tipHash = tail.ContentHash
		l.lastKeyID = tail.HMACKeyID
	} else {
		l.lastKeyID = l.ring.ActiveID()
	}

	l.batches = batches
	l.sealedThrough = 0
	for _, b := range batches {
		if b.EndIndex+1 > l.sealedThrough {
			l.sealedThrough = b.EndIndex + 1
		}
	}
	if l.sealedThrough > len(entries) {
		l.logger.Warn("batch coverage exceeds chain length",
			zap.Int("sealed_through", l.sealedThrough),
			zap.Int("entries", len(entries)),
		)
		l.sealedThrough = len(entries)
	}
	for _, e := range entries[l.sealedThrough:] {
		l.pending = append(l.pending, e.ContentHash)
	}
	return nil
}

// LogEvent appends one event with a wall-clock timestamp. The returned
// entry is fully formed and durably persisted.
func (l *Ledger) LogEvent(ctx context.Context, actor, action string, payload any) (*audit.Entry, error) {
	return l.append(ctx, l.clock(), actor, action, payload, true)
}

// LogEventAt appends one event with a caller-supplied timestamp, for
// deterministic replay sessions. Wall clock is never consulted on this
// path, and interval-based key rotation never fires; replaying the same
// event tuples therefore produces a bit-identical chain.
func (l *Ledger) LogEventAt(ctx context.Context, ts time.Time, actor, action string, payload any) (*audit.Entry, error) {
	if ts.IsZero() {
		return nil, errors.New("ledger: deterministic timestamp must not be zero")
	}
	return l.append(ctx, ts, actor, action, payload, false)
}

func (l *Ledger) append(ctx context.Context, ts time.Time, actor, action string, payload any, interval bool) (*audit.Entry, error) {
	if actor == "" || action == "" {
		return nil, errors.New("ledger: actor and action are required")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	release, err := l.acquireWriter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if interval && l.ring.Due(ts) {
		if _, _, err := l.ring.Rotate(); err != nil {
			return nil, err
		}
	}
	if err := l.adoptKeyLocked(ctx, ts); err != nil {
		return nil, err
	}

	entry, err := l.writeEntryLocked(ctx, ts, actor, action, raw)
	if err != nil {
		return nil, err
	}

	// A seal failure never unwinds the already-durable append; pending
	// entries stay pending and the next append or flush retries.
	if err := l.maybeSealLocked(ctx, ts); err != nil {
		l.logger.Error("batch seal failed", zap.Error(err))
	}
	return entry, nil
}

// acquireWriter takes the exclusive append lock, bounded by the configured
// timeout so blocked writers fail with audit.ErrWriteTimeout instead of
// queueing forever.
func (l *Ledger) acquireWriter(ctx context.Context) (func(), error) {
	timer := time.NewTimer(l.appendTimeout)
	defer timer.Stop()
	select {
	case l.writeSem <- struct{}{}:
		return func() { <-l.writeSem }, nil
	case <-timer.C:
		metrics.RecordAppendTimeout()
		return nil, fmt.Errorf("%w: writer lock not acquired within %s", audit.ErrWriteTimeout, l.appendTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// adoptKeyLocked audits any difference between the ring's active key and
// the key that tagged the chain tail: a fresh rotation, or a process
// restart in random mode. The rotation record is written before the
// key_rotated entry so deterministic rings re-derive the right counter,
// and the entry's index is the rotation's effective index.
func (l *Ledger) adoptKeyLocked(ctx context.Context, ts time.Time) error {
	active := l.ring.ActiveID()
	l.mu.RLock()
	last := l.lastKeyID
	next := l.length
	l.mu.RUnlock()
	if last == active {
		return nil
	}

	rot := &store.Rotation{
		OldKeyID:       last,
		NewKeyID:       active,
		EffectiveIndex: next,
		RotatedAt:      ts.UTC(),
	}
	if err := l.store.AppendRotation(ctx, rot); err != nil {
		return fmt.Errorf("record rotation: %w", err)
	}

	raw, err := marshalPayload(map[string]string{
		"old_key_id": last,
		"new_key_id": active,
	})
	if err != nil {
		return err
	}
	if _, err := l.writeEntryLocked(ctx, ts, rotationActor, rotationAction, raw); err != nil {
		return fmt.Errorf("audit rotation: %w", err)
	}

	metrics.RecordKeyRotation()
	l.logger.Info("tag key rotation audited",
		zap.String("old_key_id", last),
		zap.String("new_key_id", active),
		zap.Int("effective_index", next),
	)
	return nil
}

// writeEntryLocked builds, signs, tags, and persists the next entry. The
// in-memory tail advances only after the store append succeeds, so a failed
// append leaves no partial state.
func (l *Ledger) writeEntryLocked(ctx context.Context, ts time.Time, actor, action string, payload json.RawMessage) (*audit.Entry, error) {
	l.mu.RLock()
	index := l.length
	prev := l.tipHash
	l.mu.RUnlock()
	if prev == "" {
		prev = audit.GenesisHash
	}

	e := &audit.Entry{
		Index:     index,
		Timestamp: ts.UTC(),
		Actor:     actor,
		Action:    action,
		Payload:   payload,
		PrevHash:  prev,
	}
	ch, err := e.ComputeContentHash()
	if err != nil {
		return nil, err
	}
	e.ContentHash = ch

	if l.mode.Signed() {
		sig, err := l.root.Sign([]byte(ch))
		if err != nil {
			return nil, fmt.Errorf("sign entry %d: %w", index, err)
		}
		e.Signature = base64.StdEncoding.EncodeToString(sig)
	}

	keyID, tag, err := l.ring.TagCurrent([]byte(ch))
	if err != nil {
		return nil, fmt.Errorf("tag entry %d: %w", index, err)
	}
	e.HMACKeyID = keyID
	e.HMACTag = hex.EncodeToString(tag)

	if err := l.store.AppendEntry(ctx, e); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.length = index + 1
	l.tipHash = ch
	l.lastKeyID = keyID
	l.pending = append(l.pending, ch)
	l.mu.Unlock()

	metrics.RecordEntryAppended()
	l.logger.Debug("entry appended",
		zap.Int("index", index),
		zap.String("actor", actor),
		zap.String("action", action),
	)
	return e, nil
}

func (l *Ledger) maybeSealLocked(ctx context.Context, ts time.Time) error {
	l.mu.RLock()
	due := len(l.pending) >= l.batchSize
	l.mu.RUnlock()
	if !due {
		return nil
	}
	_, err := l.sealLocked(ctx, ts)
	return err
}

// sealLocked builds and persists a Merkle batch over every pending entry.
// Returns (nil, nil) when nothing is pending.
func (l *Ledger) sealLocked(ctx context.Context, ts time.Time) (*audit.MerkleBatch, error) {
	l.mu.RLock()
	leaves := append([]string(nil), l.pending...)
	start := l.sealedThrough
	l.mu.RUnlock()
	if len(leaves) == 0 {
		return nil, nil
	}
	end := start + len(leaves) - 1

	root, err := merkle.Root(leaves)
	if err != nil {
		return nil, fmt.Errorf("seal batch %d-%d: %w", start, end, err)
	}
	b := &audit.MerkleBatch{
		BatchID:    batchID(l.genesisID, start, end),
		StartIndex: start,
		EndIndex:   end,
		LeafHashes: leaves,
		MerkleRoot: root,
		SealedAt:   ts.UTC(),
	}
	if l.mode.Signed() {
		sig, err := l.root.Sign([]byte(root))
		if err != nil {
			return nil, fmt.Errorf("sign batch root %d-%d: %w", start, end, err)
		}
		b.RootSignature = base64.StdEncoding.EncodeToString(sig)
	}

	if err := l.store.AppendBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("persist batch %s: %w", b.BatchID, err)
	}

	l.mu.Lock()
	l.sealedThrough = end + 1
	l.pending = nil
	l.batches = append(l.batches, b)
	l.mu.Unlock()

	metrics.RecordBatchSealed()
	l.logger.Info("merkle batch sealed",
		zap.String("batch_id", b.BatchID),
		zap.Int("start", start),
		zap.Int("end", end),
		zap.Int("size", len(leaves)),
		zap.String("root", root),
	)
	return b, nil
}

// Flush seals the pending entries regardless of the threshold. The final
// batch of a session may be smaller than the threshold; a batch of size 1
// is valid. Returns nil when nothing was pending.
func (l *Ledger) Flush(ctx context.Context) (*audit.MerkleBatch, error) {
	release, err := l.acquireWriter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.sealLocked(ctx, l.clock())
}

// Rotate retires the active HMAC key and audits the transition: a rotation
// record plus a key_rotated entry tagged with the new key, whose index is
// the rotation's effective index. Rotation shares the writer serialization,
// so it can never interleave with an append.
func (l *Ledger) Rotate(ctx context.Context) (oldID, newID string, err error) {
	release, err := l.acquireWriter(ctx)
	if err != nil {
		return "", "", err
	}
	defer release()

	oldID, newID, err = l.ring.Rotate()
	if err != nil {
		return "", "", err
	}
	if err := l.adoptKeyLocked(ctx, l.clock()); err != nil {
		return "", "", err
	}
	return oldID, newID, nil
}

// Mode returns the guarantee level the ledger was opened with.
func (l *Ledger) Mode() audit.Mode { return l.mode }

// GenesisID returns the lineage identifier, empty in operational mode.
func (l *Ledger) GenesisID() string { return l.genesisID }

// Len returns the committed chain length.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.length
}

// Entry returns the entry at index, annotated with the id of the sealed
// batch covering it, if any.
func (l *Ledger) Entry(ctx context.Context, index int) (*audit.Entry, error) {
	e, err := l.store.Entry(ctx, index)
	if err != nil {
		return nil, err
	}
	return l.annotate(e), nil
}

// Entries returns the committed chain, annotated with batch coverage.
func (l *Ledger) Entries(ctx context.Context) ([]*audit.Entry, error) {
	n := l.Len()
	entries, err := l.store.Entries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) > n {
		entries = entries[:n]
	}
	for _, e := range entries {
		l.annotate(e)
	}
	return entries, nil
}

// Batches returns every sealed batch in seal order.
func (l *Ledger) Batches(ctx context.Context) ([]*audit.MerkleBatch, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*audit.MerkleBatch(nil), l.batches...), nil
}

// Rotations returns the key rotation log in append order.
func (l *Ledger) Rotations(ctx context.Context) ([]*store.Rotation, error) {
	return l.store.Rotations(ctx)
}

// Close releases the store. Pending entries are not sealed implicitly;
// call Flush first when a shutdown batch is wanted.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) annotate(e *audit.Entry) *audit.Entry {
	if b := l.batchFor(e.Index); b != nil {
		e.MerkleBatchID = b.BatchID
	}
	return e
}

func (l *Ledger) batchFor(index int) *audit.MerkleBatch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, b := range l.batches {
		if b.Covers(index) {
			return b
		}
	}
	return nil
}

// marshalPayload canonicalizes an arbitrary payload once at intake, so the
// persisted bytes are already in canonical form. A nil payload is recorded
// as the empty object.
func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return raw, nil
}

func batchID(lineage string, start, end int) string {
	name := fmt.Sprintf("%s:%d-%d", lineage, start, end)
	return uuid.NewSHA1(batchNamespace, []byte(name)).String()
}
