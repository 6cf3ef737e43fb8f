package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

const (
	entriesLogFile   = "entries.log"
	batchesLogFile   = "batches.log"
	rotationsLogFile = "rotations.log"
	manifestFile     = "manifest.json"

	// maxFrameSize rejects length prefixes no legitimate record can reach.
	maxFrameSize = 16 << 20
)

// FileConfig configures a FileStore.
type FileConfig struct {
	// Dir is the storage directory, created with mode 0700 if missing.
	Dir string

	// NoSync skips the per-append fsync. Only for tests; a production
	// ledger must not return from an append before the record is durable.
	NoSync bool
}

// FileStore persists the ledger in append-only files under a single
// directory. Entry and batch records are framed with a 4-byte big-endian
// length prefix so a write torn by a crash is detectable: the torn frame is
// dropped on the next open and the chain resumes as if the append never
// happened. Loaded records are mirrored in memory, keeping reads O(1) by
// index.
type FileStore struct {
	mu         sync.RWMutex
	dir        string
	noSync     bool
	entriesF   *os.File
	batchesF   *os.File
	rotationsF *os.File
	entries    []*audit.Entry
	batches    []*audit.MerkleBatch
	rotations  []*Rotation
	manifest   *Manifest
	recovered  int
	logger     *zap.Logger
}

// OpenFileStore opens (or initializes) the store directory and loads every
// persisted record. Torn tail frames are truncated away with a warning;
// any other malformed record fails the open.
func OpenFileStore(cfg FileConfig, logger *zap.Logger) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("open file store: dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", cfg.Dir, err)
	}

	s := &FileStore{dir: cfg.Dir, noSync: cfg.NoSync, logger: logger}

	entryFrames, dropped, err := loadFrames(filepath.Join(cfg.Dir, entriesLogFile), logger)
	if err != nil {
		return nil, err
	}
	s.recovered += dropped
	for i, frame := range entryFrames {
		e, err := audit.UnmarshalRecord(frame)
		if err != nil {
			return nil, fmt.Errorf("load %s record %d: %w", entriesLogFile, i, err)
		}
		s.entries = append(s.entries, e)
	}

	batchFrames, dropped, err := loadFrames(filepath.Join(cfg.Dir, batchesLogFile), logger)
	if err != nil {
		return nil, err
	}
	s.recovered += dropped
	for i, frame := range batchFrames {
		b, err := audit.UnmarshalBatchRecord(frame)
		if err != nil {
			return nil, fmt.Errorf("load %s record %d: %w", batchesLogFile, i, err)
		}
		s.batches = append(s.batches, b)
	}

	if err := s.loadRotations(); err != nil {
		return nil, err
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}

	s.entriesF, err = openAppend(filepath.Join(cfg.Dir, entriesLogFile))
	if err != nil {
		return nil, err
	}
	s.batchesF, err = openAppend(filepath.Join(cfg.Dir, batchesLogFile))
	if err != nil {
		s.entriesF.Close()
		return nil, err
	}
	s.rotationsF, err = openAppend(filepath.Join(cfg.Dir, rotationsLogFile))
	if err != nil {
		s.entriesF.Close()
		s.batchesF.Close()
		return nil, err
	}

	logger.Debug("file store opened",
		zap.String("dir", cfg.Dir),
		zap.Int("entries", len(s.entries)),
		zap.Int("batches", len(s.batches)),
		zap.Int("rotations", len(s.rotations)),
	)
	return s, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string { return s.dir }

// Recovered returns how many torn tail frames were dropped during open.
func (s *FileStore) Recovered() int { return s.recovered }

// AppendEntry implements Store.
func (s *FileStore) AppendEntry(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkNextIndex(e, len(s.entries)); err != nil {
		return err
	}
	rec, err := e.MarshalRecord()
	if err != nil {
		return fmt.Errorf("encode entry %d: %w", e.Index, err)
	}
	if err := s.writeFrame(s.entriesF, rec); err != nil {
		return fmt.Errorf("persist entry %d: %w", e.Index, err)
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

// Entry implements Store.
func (s *FileStore) Entry(_ context.Context, index int) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.entries) {
		return nil, fmt.Errorf("entry %d: %w", index, ErrNotFound)
	}
	cp := *s.entries[index]
	return &cp, nil
}

// Entries implements Store.
func (s *FileStore) Entries(_ context.Context) ([]*audit.Entry, error) {
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
func (s *FileStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// AppendBatch implements Store.
func (s *FileStore) AppendBatch(_ context.Context, b *audit.MerkleBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := b.MarshalRecord()
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.BatchID, err)
	}
	if err := s.writeFrame(s.batchesF, rec); err != nil {
		return fmt.Errorf("persist batch %s: %w", b.BatchID, err)
	}
	cp := *b
	s.batches = append(s.batches, &cp)
	return nil
}

// Batch implements Store.
func (s *FileStore) Batch(_ context.Context, batchID string) (*audit.MerkleBatch, error) {
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
func (s *FileStore) Batches(_ context.Context) ([]*audit.MerkleBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.MerkleBatch, len(s.batches))
	for i, b := range s.batches {
		cp := *b
		out[i] = &cp
	}
	return out, nil
}

// SetManifest implements Store. The manifest is written to a temp file and
// renamed into place so readers never observe a partial manifest.
func (s *FileStore) SetManifest(_ context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, manifestFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if !s.noSync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("sync manifest: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, manifestFile)); err != nil {
		return fmt.Errorf("install manifest: %w", err)
	}

	cp := *m
	s.manifest = &cp
	return nil
}

// Manifest implements Store.
func (s *FileStore) Manifest(_ context.Context) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil {
		return nil, fmt.Errorf("manifest: %w", ErrNotFound)
	}
	cp := *s.manifest
	return &cp, nil
}

// AppendRotation implements Store. Rotation records are small and
// append-only, so they are stored as one JSON object per line.
func (s *FileStore) AppendRotation(_ context.Context, r *Rotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rotation: %w", err)
	}
	if _, err := s.rotationsF.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("persist rotation: %w", err)
	}
	if !s.noSync {
		if err := s.rotationsF.Sync(); err != nil {
			return fmt.Errorf("sync rotation log: %w", err)
		}
	}
	cp := *r
	s.rotations = append(s.rotations, &cp)
	return nil
}

// Rotations implements Store.
func (s *FileStore) Rotations(_ context.Context) ([]*Rotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rotation, len(s.rotations))
	for i, r := range s.rotations {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// Sync implements Store.
func (s *FileStore) Sync(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range []*os.File{s.entriesF, s.batchesF, s.rotationsF} {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", f.Name(), err)
		}
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{s.entriesF, s.batchesF, s.rotationsF} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.entriesF, s.batchesF, s.rotationsF = nil, nil, nil
	return firstErr
}

// writeFrame appends one length-prefixed record in a single write call, so
// a crash leaves at most a prefix of the frame on disk.
func (s *FileStore) writeFrame(f *os.File, rec []byte) error {
	if len(rec) > maxFrameSize {
		return fmt.Errorf("record of %d bytes exceeds frame limit", len(rec))
	}
	frame := make([]byte, 4+len(rec))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(rec)))
	copy(frame[4:], rec)
	if _, err := f.Write(frame); err != nil {
		return err
	}
	if s.noSync {
		return nil
	}
	return f.Sync()
}

func (s *FileStore) loadRotations() error {
	path := filepath.Join(s.dir, rotationsLogFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", rotationsLogFile, err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		r := &Rotation{}
		if err := json.Unmarshal(raw, r); err != nil {
			return fmt.Errorf("load %s line %d: %w", rotationsLogFile, line, err)
		}
		s.rotations = append(s.rotations, r)
	}
	return sc.Err()
}

func (s *FileStore) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", manifestFile, err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("load %s: %w", manifestFile, err)
	}
	s.manifest = m
	return nil
}

// loadFrames reads every complete frame from a framed log. A frame cut
// short by a crash can only be the final one (frames are written with a
// single write call); it is dropped and the file truncated back to the last
// complete frame. A complete frame with an implausible length prefix means
// corruption rather than a torn write and fails the load.
func loadFrames(path string, logger *zap.Logger) ([][]byte, int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var frames [][]byte
	offset := 0
	for offset < len(data) {
		rest := data[offset:]
		if len(rest) < 4 {
			return recoverTail(path, data, frames, offset, logger)
		}
		n := int(binary.BigEndian.Uint32(rest[:4]))
		if n == 0 || n > maxFrameSize {
			return nil, 0, fmt.Errorf("%s: corrupt frame length %d at offset %d", filepath.Base(path), n, offset)
		}
		if len(rest) < 4+n {
			return recoverTail(path, data, frames, offset, logger)
		}
		frames = append(frames, rest[4:4+n])
		offset += 4 + n
	}
	return frames, 0, nil
}

// recoverTail truncates a torn final frame away and reports one dropped
// record.
func recoverTail(path string, data []byte, frames [][]byte, goodEnd int, logger *zap.Logger) ([][]byte, int, error) {
	logger.Warn("dropping torn record at log tail",
		zap.String("file", filepath.Base(path)),
		zap.Int("torn_bytes", len(data)-goodEnd),
		zap.Int("records_kept", len(frames)),
	)
	if err := os.Truncate(path, int64(goodEnd)); err != nil {
		return nil, 0, fmt.Errorf("truncate torn tail of %s: %w", filepath.Base(path), err)
	}
	return frames, 1, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}
