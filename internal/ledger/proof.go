package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/internal/metrics"
	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
	"github.com/jmerrifield20/sovereign-ledger/pkg/bundle"
	"github.com/jmerrifield20/sovereign-ledger/pkg/merkle"
)

// GenerateProofBundle assembles a self-contained proof that one entry is
// included in a signed Merkle batch. The bundle carries only public
// material: the entry, its Merkle path, the signed root, and the genesis
// public key. An entry not yet covered by a sealed batch returns
// audit.ErrNotYetAnchored, which a Flush resolves.
func (l *Ledger) GenerateProofBundle(ctx context.Context, index int) (*bundle.Bundle, error) {
	if !l.mode.Signed() {
		return nil, fmt.Errorf("%w: proof bundles require signed batch roots", audit.ErrOperationalMode)
	}
	e, err := l.Entry(ctx, index)
	if err != nil {
		return nil, err
	}
	b := l.batchFor(index)
	if b == nil {
		return nil, fmt.Errorf("%w: entry %d is not covered by a sealed batch", audit.ErrNotYetAnchored, index)
	}

	path, err := merkle.BuildProof(b.LeafHashes, index-b.StartIndex)
	if err != nil {
		return nil, fmt.Errorf("build proof for entry %d: %w", index, err)
	}
	pubPEM, err := l.root.PublicKeyPEM()
	if err != nil {
		return nil, err
	}

	pb := &bundle.Bundle{
		Version:          bundle.Version,
		GenesisID:        l.genesisID,
		GenesisPublicKey: string(pubPEM),
		BatchID:          b.BatchID,
		MerkleRoot:       b.MerkleRoot,
		RootSignature:    b.RootSignature,
		MerklePath:       path,
		Entry:            e,
	}
	metrics.RecordProofGenerated()
	l.logger.Debug("proof bundle generated",
		zap.Int("index", index),
		zap.String("batch_id", b.BatchID),
	)
	return pb, nil
}

// VerifyProofBundle checks a bundle with this ledger's key ring available,
// which extends verification to the HMAC layer.
func (l *Ledger) VerifyProofBundle(b *bundle.Bundle) *bundle.Result {
	return bundle.Verify(b, l.ring)
}
