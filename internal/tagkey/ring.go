// Package tagkey manages the rotating symmetric keys behind each entry's
// HMAC tag, the integrity layer that stands independently of the Ed25519
// signature.
//
// At most one key is active at a time. Rotation retires the outgoing key
// into the ring (never erases it) so historical entries re-verify with the
// key that was active when they were written. In the default random mode,
// key bytes exist only in process memory: after a restart, tags from earlier
// runs report audit.ErrKeyNotFound, an operational condition distinct from
// tampering. Deterministic mode derives every key from a 32-byte seed file
// via HKDF-SHA256, so a restarted or replicated ledger re-derives the exact
// ring from the rotation count alone.
package tagkey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

const (
	keySize = 32 // 256-bit HMAC-SHA256 keys

	// DefaultRotationInterval matches the production default of one hour.
	DefaultRotationInterval = time.Hour
)

// Config controls ring construction.
type Config struct {
	// RotationInterval is how old the active key may grow before Due
	// reports true. Zero means DefaultRotationInterval.
	RotationInterval time.Duration

	// SeedFile enables deterministic mode: keys are derived from the
	// 64-hex-char seed stored there (created with a fresh random seed on
	// first use, mode 0600). Empty selects random mode.
	SeedFile string

	// Rotations is how many rotations the ring has already performed, per
	// the rotation log. Deterministic mode replays that many derivations
	// so retired keys are restored; random mode ignores it.
	Rotations int

	// Clock overrides time.Now, for tests and deterministic replay.
	Clock func() time.Time
}

// Ring holds the active HMAC key plus every retired key from this process
// lifetime (or, in deterministic mode, from the whole lineage).
type Ring struct {
	mu       sync.RWMutex
	activeID string
	activeAt time.Time
	keys     map[string][]byte
	interval time.Duration
	clock    func() time.Time
	seed     *memguard.Enclave
	counter  int
	logger   *zap.Logger
}

// New builds a ring with one active key. In deterministic mode the seed
// file is loaded (or created) and cfg.Rotations prior keys are re-derived
// and retired first.
func New(cfg Config, logger *zap.Logger) (*Ring, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Ring{
		keys:     make(map[string][]byte),
		interval: cfg.RotationInterval,
		clock:    cfg.Clock,
		logger:   logger,
	}
	if r.interval <= 0 {
		r.interval = DefaultRotationInterval
	}
	if r.clock == nil {
		r.clock = time.Now
	}

	if cfg.SeedFile != "" {
		seed, err := loadOrCreateSeed(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		r.seed = memguard.NewEnclave(seed)
		for i := 0; i <= cfg.Rotations; i++ {
			if err := r.advance(); err != nil {
				return nil, err
			}
		}
		logger.Info("tag key ring restored deterministically",
			zap.Int("rotations", cfg.Rotations),
			zap.String("active_key_id", r.activeID),
		)
		return r, nil
	}

	if err := r.advance(); err != nil {
		return nil, err
	}
	logger.Info("tag key ring initialized", zap.String("active_key_id", r.activeID))
	return r, nil
}

// ActiveID returns the id of the key currently used for new tags.
func (r *Ring) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// ActiveSince returns when the active key became active.
func (r *Ring) ActiveSince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeAt
}

// Due reports whether the active key has outlived the rotation interval.
func (r *Ring) Due(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return now.Sub(r.activeAt) >= r.interval
}

// RetiredCount returns how many retired keys the ring still holds.
func (r *Ring) RetiredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys) - 1
}

// Deterministic reports whether keys derive from a seed file.
func (r *Ring) Deterministic() bool { return r.seed != nil }

// Rotate retires the active key and activates a new one, returning both ids.
// The caller is responsible for auditing the rotation through the ledger.
func (r *Ring) Rotate() (oldID, newID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldID = r.activeID
	if err := r.advanceLocked(); err != nil {
		return "", "", err
	}
	r.logger.Info("tag key rotated",
		zap.String("old_key_id", oldID),
		zap.String("new_key_id", r.activeID),
	)
	return oldID, r.activeID, nil
}

// Tag computes HMAC-SHA256 over message with the historical key identified
// by keyID. Unknown ids are audit.ErrKeyNotFound, lost key material, not a
// tamper signal.
func (r *Ring) Tag(keyID string, message []byte) ([]byte, error) {
	r.mu.RLock()
	key, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key id %s", audit.ErrKeyNotFound, keyID)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil), nil
}

// TagCurrent tags message with the active key and returns its id.
func (r *Ring) TagCurrent(message []byte) (string, []byte, error) {
	id := r.ActiveID()
	tag, err := r.Tag(id, message)
	if err != nil {
		return "", nil, err
	}
	return id, tag, nil
}

// Verify recomputes the tag for message under keyID and compares in constant
// time. A missing key returns (false, audit.ErrKeyNotFound); a present key
// with a wrong tag returns (false, nil).
func (r *Ring) Verify(keyID string, message, tag []byte) (bool, error) {
	want, err := r.Tag(keyID, message)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want, tag), nil
}

// advance generates or derives the next key and makes it active.
func (r *Ring) advance() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advanceLocked()
}

func (r *Ring) advanceLocked() error {
	var key []byte
	if r.seed != nil {
		derived, err := r.deriveLocked(r.counter)
		if err != nil {
			return err
		}
		key = derived
	} else {
		key = make([]byte, keySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate tag key: %w", err)
		}
	}
	id := KeyID(key)
	r.keys[id] = key
	r.activeID = id
	r.activeAt = r.clock()
	r.counter++
	return nil
}

// deriveLocked expands the seed into the counter-th ring key.
func (r *Ring) deriveLocked(counter int) ([]byte, error) {
	buf, err := r.seed.Open()
	if err != nil {
		return nil, fmt.Errorf("open tag key seed: %w", err)
	}
	defer buf.Destroy()

	info := fmt.Sprintf("sovereign-ledger/tagkey/%d", counter)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, buf.Bytes(), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive tag key %d: %w", counter, err)
	}
	return key, nil
}

// KeyID derives the stable identifier of a key: the first 8 bytes of
// SHA-256(key), hex encoded. Ids are safe to store and log.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// loadOrCreateSeed reads a 64-hex-char seed file, creating it with a fresh
// random seed on first use. Like the genesis key, a seed file readable by
// group/other refuses to load.
func loadOrCreateSeed(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		seed := make([]byte, keySize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate tag key seed: %w", err)
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write tag key seed: %w", err)
		}
		return seed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat tag key seed: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return nil, fmt.Errorf("%w: tag key seed %s has mode %04o, want owner-only access", audit.ErrKeyLoad, path, mode)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tag key seed: %w", err)
	}
	seed, err := hex.DecodeString(string(trimNewline(raw)))
	if err != nil || len(seed) != keySize {
		return nil, fmt.Errorf("%w: tag key seed %s is not %d hex bytes", audit.ErrKeyLoad, path, keySize)
	}
	return seed, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
