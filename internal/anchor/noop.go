package anchor

import (
	"context"

	"go.uber.org/zap"
)

// NoopBackend logs anchors instead of pinning them.
// Use in development or when no witness store is configured.
type NoopBackend struct {
	logger *zap.Logger
}

// NewNoopBackend creates a NoopBackend backed by the given logger.
func NewNoopBackend(logger *zap.Logger) *NoopBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopBackend{logger: logger}
}

// Name implements Backend.
func (n *NoopBackend) Name() string { return "noop" }

// Pin logs the anchor and returns nil.
func (n *NoopBackend) Pin(_ context.Context, rec *Record) error {
	n.logger.Info("anchor (noop, not pinned)",
		zap.String("batch_id", rec.BatchID),
		zap.String("merkle_root", rec.MerkleRoot),
		zap.Int("start", rec.StartIndex),
		zap.Int("end", rec.EndIndex),
	)
	return nil
}

// List returns nothing; noop anchors are not retained.
func (n *NoopBackend) List(_ context.Context) ([]*Record, error) {
	return nil, nil
}
