package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/internal/keyroot"
	"github.com/jmerrifield20/sovereign-ledger/internal/ledger"
	"github.com/jmerrifield20/sovereign-ledger/internal/store"
	"github.com/jmerrifield20/sovereign-ledger/internal/tagkey"
	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
	"github.com/jmerrifield20/sovereign-ledger/pkg/bundle"
)

var ctx = context.Background()

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newKeyRoot(t *testing.T, dir string) *keyroot.KeyRoot {
	t.Helper()
	k, err := keyroot.GenerateOrLoad(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("key root: %v", err)
	}
	return k
}

func newRing(t *testing.T, cfg tagkey.Config) *tagkey.Ring {
	t.Helper()
	r, err := tagkey.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("tag key ring: %v", err)
	}
	return r
}

func openSovereign(t *testing.T, st store.Store, mutate ...func(*ledger.Config)) *ledger.Ledger {
	t.Helper()
	cfg := ledger.Config{
		Store:   st,
		KeyRoot: newKeyRoot(t, t.TempDir()),
		Ring:    newRing(t, tagkey.Config{}),
		Mode:    audit.ModeSovereign,
		Logger:  zap.NewNop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	l, err := ledger.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return l
}

// logThree appends the canonical three-event session used across tests.
func logThree(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	events := []struct {
		actor, action string
		payload       any
	}{
		{"system", "boot", nil},
		{"user", "login", map[string]string{"id": "u1"}},
		{"system", "shutdown", nil},
	}
	for i, ev := range events {
		ts := baseTime.Add(time.Duration(i) * time.Second)
		if _, err := l.LogEventAt(ctx, ts, ev.actor, ev.action, ev.payload); err != nil {
			t.Fatalf("log event %d: %v", i, err)
		}
	}
}

func TestLedger_appendsFormASignedChain(t *testing.T) {
	l := openSovereign(t, store.NewMemStore())
	logThree(t, l)

	entries, err := l.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("chain length = %d, want 3", len(entries))
	}
	if entries[0].PrevHash != audit.GenesisHash {
		t.Errorf("entry 0 prev_hash = %s, want genesis", entries[0].PrevHash)
	}
	for i, e := range entries {
		if e.Index != i {
			t.Errorf("entry %d index = %d", i, e.Index)
		}
		if i > 0 && e.PrevHash != entries[i-1].ContentHash {
			t.Errorf("entry %d prev_hash does not link to predecessor", i)
		}
		if e.Signature == "" {
			t.Errorf("entry %d missing signature", i)
		}
		if e.HMACKeyID == "" || e.HMACTag == "" {
			t.Errorf("entry %d missing hmac tag", i)
		}
	}

	r, err := l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !r.OK {
		t.Fatalf("fresh chain failed verification: %v", r.Findings)
	}
}

func TestLedger_nilPayloadRecordsEmptyObject(t *testing.T) {
	l := openSovereign(t, store.NewMemStore())
	e, err := l.LogEventAt(ctx, baseTime, "system", "boot", nil)
	if err != nil {
		t.Fatalf("log event: %v", err)
	}
	if string(e.Payload) != "{}" {
		t.Errorf("payload = %s, want {}", e.Payload)
	}
}

func TestLedger_replayRejectsZeroTimestamp(t *testing.T) {
	l := openSovereign(t, store.NewMemStore())
	if _, err := l.LogEventAt(ctx, time.Time{}, "system", "boot", nil); err == nil {
		t.Fatal("zero timestamp accepted")
	}
}

func TestLedger_replayProducesIdenticalContentHashes(t *testing.T) {
	// Two independent lineages, different keypairs and tag keys. Replaying
	// the same tuples must produce the same content hashes even though the
	// signatures and tags differ.
	la := openSovereign(t, store.NewMemStore())
	lb := openSovereign(t, store.NewMemStore())
	logThree(t, la)
	logThree(t, lb)

	ea, _ := la.Entries(ctx)
	eb, _ := lb.Entries(ctx)
	for i := range ea {
		if ea[i].ContentHash != eb[i].ContentHash {
			t.Errorf("entry %d content hashes diverge: %s vs %s", i, ea[i].ContentHash, eb[i].ContentHash)
		}
		if ea[i].Signature == eb[i].Signature {
			t.Errorf("entry %d signatures identical across different keypairs", i)
		}
	}
}

func TestLedger_replayWithSharedKeysIsBitIdentical(t *testing.T) {
	keyDir := t.TempDir()
	seed := filepath.Join(t.TempDir(), "tagkey.seed")

	open := func() *ledger.Ledger {
		l, err := ledger.Open(ctx, ledger.Config{
			Store:   store.NewMemStore(),
			KeyRoot: newKeyRoot(t, keyDir),
			Ring:    newRing(t, tagkey.Config{SeedFile: seed}),
			Mode:    audit.ModeSovereign,
			Logger:  zap.NewNop(),
		})
		if err != nil {
			t.Fatalf("open ledger: %v", err)
		}
		return l
	}

	la, lb := open(), open()
	logThree(t, la)
	logThree(t, lb)

	ea, _ := la.Entries(ctx)
	eb, _ := lb.Entries(ctx)
	for i := range ea {
		ra, err := ea[i].MarshalRecord()
		if err != nil {
			t.Fatalf("marshal entry %d: %v", i, err)
		}
		rb, _ := eb[i].MarshalRecord()
		if !bytes.Equal(ra, rb) {
			t.Errorf("entry %d records diverge:\n%s\n%s", i, ra, rb)
		}
	}
}

func TestLedger_thresholdSealsBatch(t *testing.T) {
	l := openSovereign(t, store.NewMemStore(), func(c *ledger.Config) { c.BatchSize = 5 })

	for i := 0; i < 5; i++ {
		ts := baseTime.Add(time.Duration(i) * time.Second)
		if _, err := l.LogEventAt(ctx, ts, "system", "tick", map[string]int{"n": i}); err != nil {
			t.Fatalf("log event %d: %v", i, err)
		}
	}

	batches, err := l.Batches(ctx)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("sealed batches = %d, want 1", len(batches))
	}
	b := batches[0]
	if b.StartIndex != 0 || b.EndIndex != 4 {
		t.Errorf("batch range = [%d, %d], want [0, 4]", b.StartIndex, b.EndIndex)
	}
	if b.RootSignature == "" {
		t.Error("batch root is unsigned")
	}
	if !b.SealedAt.Equal(baseTime.Add(4 * time.Second)) {
		t.Errorf("sealed_at = %s, want the triggering entry's timestamp", b.SealedAt)
	}

	e, err := l.Entry(ctx, 2)
	if err != nil {
		t.Fatalf("entry 2: %v", err)
	}
	if e.MerkleBatchID != b.BatchID {
		t.Errorf("entry 2 batch id = %q, want %q", e.MerkleBatchID, b.BatchID)
	}

	// The persisted record itself carries no batch id; coverage is derived.
	raw, err := e.MarshalRecord()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(raw, []byte("merkle_batch_id")) {
		t.Error("persisted record embeds batch coverage")
	}
}

func TestLedger_flushSealsPartialBatch(t *testing.T) {
	l := openSovereign(t, store.NewMemStore())
	logThree(t, l)

	b, err := l.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if b == nil {
		t.Fatal("flush sealed nothing")
	}
	if b.Size() != 3 {
		t.Errorf("batch size = %d, want 3", b.Size())
	}

	again, err := l.Flush(ctx)
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if again != nil {
		t.Errorf("second flush sealed a batch over nothing: %+v", again)
	}
}

func TestLedger_proofRequiresSealedBatch(t *testing.T) {
	l := openSovereign(t, store.NewMemStore())
	logThree(t, l)

	_, err := l.GenerateProofBundle(ctx, 1)
	if !errors.Is(err, audit.ErrNotYetAnchored) {
		t.Fatalf("proof before seal: err = %v, want ErrNotYetAnchored", err)
	}

	if _, err := l.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	pb, err := l.GenerateProofBundle(ctx, 1)
	if err != nil {
		t.Fatalf("proof after flush: %v", err)
	}

	res := bundle.Verify(pb, nil)
	for _, c := range res.Checks {
		if c.Status == bundle.StatusFail {
			t.Errorf("check %s failed: %s", c.Name, c.Detail)
		}
	}
	if !res.OK {
		t.Errorf("offline verification not ok: %v", res.Failed())
	}

	// With the ring available the HMAC layer verifies too.
	res = l.VerifyProofBundle(pb)
	if !res.OK {
		t.Errorf("ring-assisted verification failed: %v", res.Failed())
	}
}

func TestLedger_operationalMode(t *testing.T) {
	l, err := ledger.Open(ctx, ledger.Config{
		Store:  store.NewMemStore(),
		Ring:   newRing(t, tagkey.Config{}),
		Mode:   audit.ModeOperational,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("open operational ledger: %v", err)
	}
	logThree(t, l)

	entries, _ := l.Entries(ctx)
	for i, e := range entries {
		if e.Signature != "" {
			t.Errorf("entry %d carries a signature in operational mode", i)
		}
		if e.HMACTag == "" {
			t.Errorf("entry %d missing hmac tag", i)
		}
	}

	r, err := l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !r.OK {
		t.Errorf("operational chain failed verification: %v", r.Findings)
	}

	if _, err := l.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := l.GenerateProofBundle(ctx, 0); !errors.Is(err, audit.ErrOperationalMode) {
		t.Errorf("proof in operational mode: err = %v, want ErrOperationalMode", err)
	}
}

func TestLedger_modeIsFixedPerLineage(t *testing.T) {
	st := store.NewMemStore()
	l := openSovereign(t, st)
	logThree(t, l)

	_, err := ledger.Open(ctx, ledger.Config{
		Store:  st,
		Ring:   newRing(t, tagkey.Config{}),
		Mode:   audit.ModeOperational,
		Logger: zap.NewNop(),
	})
	if err == nil {
		t.Fatal("sovereign lineage opened in operational mode")
	}
}

func TestLedger_genesisKeyBoundToLineage(t *testing.T) {
	st := store.NewMemStore()
	openSovereign(t, st)

	_, err := ledger.Open(ctx, ledger.Config{
		Store:   st,
		KeyRoot: newKeyRoot(t, t.TempDir()),
		Ring:    newRing(t, tagkey.Config{}),
		Mode:    audit.ModeSovereign,
		Logger:  zap.NewNop(),
	})
	if !errors.Is(err, audit.ErrKeyLoad) {
		t.Fatalf("open with wrong keypair: err = %v, want ErrKeyLoad", err)
	}
}

func TestLedger_explicitRotationIsAudited(t *testing.T) {
	l := openSovereign(t, store.NewMemStore())
	if _, err := l.LogEventAt(ctx, baseTime, "system", "boot", nil); err != nil {
		t.Fatalf("log event: %v", err)
	}

	oldID, newID, err := l.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if oldID == newID {
		t.Fatalf("rotation did not change the active key: %s", oldID)
	}

	if l.Len() != 2 {
		t.Fatalf("chain length = %d, want 2 (event + rotation entry)", l.Len())
	}
	e, err := l.Entry(ctx, 1)
	if err != nil {
		t.Fatalf("entry 1: %v", err)
	}
	if e.Actor != "system" || e.Action != "key_rotated" {
		t.Errorf("rotation entry = %s/%s, want system/key_rotated", e.Actor, e.Action)
	}
	if e.HMACKeyID != newID {
		t.Errorf("rotation entry tagged with %s, want the new key %s", e.HMACKeyID, newID)
	}
	var payload map[string]string
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("rotation payload: %v", err)
	}
	if payload["old_key_id"] != oldID || payload["new_key_id"] != newID {
		t.Errorf("rotation payload = %v, want old=%s new=%s", payload, oldID, newID)
	}

	rots, err := l.Rotations(ctx)
	if err != nil {
		t.Fatalf("rotations: %v", err)
	}
	if len(rots) != 1 {
		t.Fatalf("rotation records = %d, want 1", len(rots))
	}
	if rots[0].EffectiveIndex != 1 {
		t.Errorf("effective index = %d, want the rotation entry's index 1", rots[0].EffectiveIndex)
	}
	if rots[0].OldKeyID != oldID || rots[0].NewKeyID != newID {
		t.Errorf("rotation record = %s -> %s, want %s -> %s", rots[0].OldKeyID, rots[0].NewKeyID, oldID, newID)
	}

	r, err := l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !r.OK {
		t.Errorf("chain failed verification after rotation: %v", r.Findings)
	}

	// Entries tagged before the rotation still verify with the retired key.
	if got := l.Len(); got != 2 {
		t.Fatalf("chain length changed to %d", got)
	}
}

func TestLedger_deterministicRingSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(t.TempDir(), "tagkey.seed")
	keyDir := t.TempDir()

	openAt := func(rotations int) *ledger.Ledger {
		st, err := store.OpenFileStore(store.FileConfig{Dir: dir, NoSync: true}, zap.NewNop())
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		l, err := ledger.Open(ctx, ledger.Config{
			Store:   st,
			KeyRoot: newKeyRoot(t, keyDir),
			Ring:    newRing(t, tagkey.Config{SeedFile: seed, Rotations: rotations}),
			Mode:    audit.ModeSovereign,
			Logger:  zap.NewNop(),
		})
		if err != nil {
			t.Fatalf("open ledger: %v", err)
		}
		return l
	}

	l := openAt(0)
	logThree(t, l)
	if _, _, err := l.Rotate(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := l.LogEventAt(ctx, baseTime.Add(time.Minute), "user", "logout", map[string]string{"id": "u1"}); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A restarted process re-derives the ring from the seed plus the
	// persisted rotation count, so every historical tag verifies.
	l = openAt(1)
	before := l.Len()

	r, err := l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !r.OK {
		t.Fatalf("restarted lineage failed verification: findings=%v missing=%v", r.Findings, r.MissingKeys)
	}

	// The re-derived active key matches the tail, so appending does not
	// insert a spurious rotation entry.
	if _, err := l.LogEventAt(ctx, baseTime.Add(2*time.Minute), "system", "shutdown", nil); err != nil {
		t.Fatalf("log event after restart: %v", err)
	}
	if l.Len() != before+1 {
		t.Errorf("chain grew by %d entries, want 1", l.Len()-before)
	}
}

func TestLedger_randomRingRestartAdoptsNewKey(t *testing.T) {
	dir := t.TempDir()
	keyDir := t.TempDir()

	open := func() *ledger.Ledger {
		st, err := store.OpenFileStore(store.FileConfig{Dir: dir, NoSync: true}, zap.NewNop())
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		l, err := ledger.Open(ctx, ledger.Config{
			Store:   st,
			KeyRoot: newKeyRoot(t, keyDir),
			Ring:    newRing(t, tagkey.Config{}),
			Mode:    audit.ModeSovereign,
			Logger:  zap.NewNop(),
		})
		if err != nil {
			t.Fatalf("open ledger: %v", err)
		}
		return l
	}

	l := open()
	if _, err := l.LogEventAt(ctx, baseTime, "system", "boot", nil); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Random-mode keys die with the process. The restarted ledger adopts
	// the new ring's key and audits the transition before the next event.
	l = open()
	if _, err := l.LogEventAt(ctx, baseTime.Add(time.Minute), "user", "login", map[string]string{"id": "u1"}); err != nil {
		t.Fatalf("log event after restart: %v", err)
	}

	if l.Len() != 3 {
		t.Fatalf("chain length = %d, want 3 (boot, key_rotated, login)", l.Len())
	}
	e, _ := l.Entry(ctx, 1)
	if e.Action != "key_rotated" {
		t.Fatalf("entry 1 action = %s, want key_rotated", e.Action)
	}

	// The old tag is unverifiable but that is a key gap, not tampering.
	r, err := l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if r.OK {
		t.Fatal("report ok despite an unverifiable tag")
	}
	if len(r.Findings) != 0 {
		t.Errorf("findings = %v, want none", r.Findings)
	}
	if len(r.MissingKeys) != 1 {
		t.Errorf("missing keys = %v, want exactly the pre-restart entry", r.MissingKeys)
	}
	if err := r.Err(); !errors.Is(err, audit.ErrKeyNotFound) {
		t.Errorf("report err = %v, want ErrKeyNotFound", err)
	}
	if errors.Is(r.Err(), audit.ErrTamperDetected) {
		t.Error("missing key misreported as tampering")
	}
}

// stallStore blocks the first append until released, so a concurrent
// writer can be observed hitting the append timeout.
type stallStore struct {
	*store.MemStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallStore) AppendEntry(ctx context.Context, e *audit.Entry) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MemStore.AppendEntry(ctx, e)
}

func TestLedger_concurrentWriterTimesOut(t *testing.T) {
	st := &stallStore{
		MemStore: store.NewMemStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	l := openSovereign(t, st, func(c *ledger.Config) { c.AppendTimeout = 50 * time.Millisecond })

	done := make(chan error, 1)
	go func() {
		_, err := l.LogEvent(ctx, "system", "slow", nil)
		done <- err
	}()
	<-st.entered

	_, err := l.LogEvent(ctx, "user", "blocked", nil)
	if !errors.Is(err, audit.ErrWriteTimeout) {
		t.Fatalf("blocked writer err = %v, want ErrWriteTimeout", err)
	}

	close(st.release)
	if err := <-done; err != nil {
		t.Fatalf("stalled append failed: %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("chain length = %d, want only the released append", l.Len())
	}
}

func TestLedger_statsSummarizeChain(t *testing.T) {
	l := openSovereign(t, store.NewMemStore(), func(c *ledger.Config) { c.BatchSize = 2 })
	logThree(t, l)

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Entries != 3 || s.SealedBatches != 1 || s.PendingEntries != 1 {
		t.Errorf("stats = %d entries, %d batches, %d pending; want 3/1/1",
			s.Entries, s.SealedBatches, s.PendingEntries)
	}
	if s.Mode != audit.ModeSovereign {
		t.Errorf("mode = %s", s.Mode)
	}
	if s.ActiveKeyID == "" {
		t.Error("stats missing active key id")
	}
	if s.TipHash == "" {
		t.Error("stats missing tip hash")
	}
}
