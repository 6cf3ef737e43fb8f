package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/internal/metrics"
	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

// Pinner fans a sealed batch out to every configured backend. Pinning is
// best-effort: anchoring must never block or roll back the chain, so a
// failing backend is logged and skipped. The pin as a whole fails only
// when no backend accepted the record.
type Pinner struct {
	backends []Backend
	clock    func() time.Time
	logger   *zap.Logger
}

// NewPinner assembles a Pinner over the given backends.
func NewPinner(logger *zap.Logger, backends ...Backend) *Pinner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pinner{backends: backends, clock: time.Now, logger: logger}
}

// Backends returns the configured backend names in pin order.
func (p *Pinner) Backends() []string {
	names := make([]string, len(p.backends))
	for i, b := range p.backends {
		names[i] = b.Name()
	}
	return names
}

// Pin builds the anchor record for a sealed batch and offers it to every
// backend. The returned record's Backends field lists the backends that
// accepted it.
func (p *Pinner) Pin(ctx context.Context, genesisID string, b *audit.MerkleBatch) (*Record, error) {
	if len(p.backends) == 0 {
		return nil, errors.New("anchor: no backends configured")
	}
	rec := &Record{
		AnchorID:      uuid.New().String(),
		GenesisID:     genesisID,
		BatchID:       b.BatchID,
		MerkleRoot:    b.MerkleRoot,
		RootSignature: b.RootSignature,
		StartIndex:    b.StartIndex,
		EndIndex:      b.EndIndex,
		SealedAt:      b.SealedAt,
		PinnedAt:      p.clock().UTC(),
	}

	var errs []error
	for _, be := range p.backends {
		if err := be.Pin(ctx, rec); err != nil {
			metrics.RecordAnchorPin(be.Name(), err)
			p.logger.Warn("anchor pin failed",
				zap.String("backend", be.Name()),
				zap.String("batch_id", b.BatchID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", be.Name(), err))
			continue
		}
		metrics.RecordAnchorPin(be.Name(), nil)
		rec.Backends = append(rec.Backends, be.Name())
	}

	if len(rec.Backends) == 0 {
		return nil, fmt.Errorf("all anchor backends failed: %w", errors.Join(errs...))
	}
	return rec, nil
}

// List collects the anchors each backend holds, keyed by backend name.
// A backend that fails to list is reported in the map as absent and
// logged, not fatal.
func (p *Pinner) List(ctx context.Context) (map[string][]*Record, error) {
	out := make(map[string][]*Record, len(p.backends))
	for _, be := range p.backends {
		recs, err := be.List(ctx)
		if err != nil {
			p.logger.Warn("anchor list failed",
				zap.String("backend", be.Name()),
				zap.Error(err),
			)
			continue
		}
		out[be.Name()] = recs
	}
	return out, nil
}
