package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// FilesystemBackend writes each anchor as a read-only JSON file, typically
// on a different volume than the ledger so a single compromised disk
// cannot rewrite both.
type FilesystemBackend struct {
	dir    string
	logger *zap.Logger
}

// NewFilesystemBackend creates the anchor directory if missing.
func NewFilesystemBackend(dir string, logger *zap.Logger) (*FilesystemBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create anchor dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilesystemBackend{dir: dir, logger: logger}, nil
}

// Name implements Backend.
func (f *FilesystemBackend) Name() string { return "filesystem" }

// Pin writes the record as merkle_anchor_<batch_id>.json and strips write
// permission from it. An anchor that already exists is left untouched.
func (f *FilesystemBackend) Pin(_ context.Context, rec *Record) error {
	path := filepath.Join(f.dir, anchorFileName(rec.BatchID))
	if _, err := os.Stat(path); err == nil {
		f.logger.Debug("anchor already pinned", zap.String("path", path))
		return nil
	}

	data, err := json.MarshalIndent(stripBackends(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("encode anchor: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write anchor: %w", err)
	}
	if err := os.Chmod(path, 0o444); err != nil {
		return fmt.Errorf("seal anchor file: %w", err)
	}

	f.logger.Info("anchor pinned",
		zap.String("backend", f.Name()),
		zap.String("batch_id", rec.BatchID),
		zap.String("path", path),
	)
	return nil
}

// List reads every anchor file, ordered by the range it covers.
func (f *FilesystemBackend) List(_ context.Context) ([]*Record, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "merkle_anchor_*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan anchor dir: %w", err)
	}

	out := make([]*Record, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read anchor %s: %w", path, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode anchor %s: %w", path, err)
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartIndex < out[j].StartIndex })
	return out, nil
}

func anchorFileName(batchID string) string {
	return fmt.Sprintf("merkle_anchor_%s.json", batchID)
}

// stripBackends drops the transient fan-out annotation before persisting.
func stripBackends(rec *Record) *Record {
	c := *rec
	c.Backends = nil
	return &c
}
