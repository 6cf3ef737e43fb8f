package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmerrifield20/sovereign-ledger/pkg/canonical"
)

// GenesisHash is the well-known PrevHash of the first entry in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// timestampFormat fixes the canonical timestamp encoding. RFC3339Nano in UTC
// is also what encoding/json emits for time.Time, so hashed and persisted
// timestamps are the same bytes.
const timestampFormat = time.RFC3339Nano

// Entry is one immutable record of the hash chain.
//
// Signature is empty for ledgers running in operational mode. MerkleBatchID
// is derived from the batch store on read and never part of the persisted
// record, since entries are written before their batch is sealed.
type Entry struct {
	Index         int             `json:"index"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	PrevHash      string          `json:"prev_hash"`
	ContentHash   string          `json:"content_hash"`
	Signature     string          `json:"signature"`
	HMACKeyID     string          `json:"hmac_key_id"`
	HMACTag       string          `json:"hmac_tag"`
	MerkleBatchID string          `json:"merkle_batch_id,omitempty"`
}

// ComputeContentHash recomputes the content hash from the six hashed fields.
// The stored ContentHash, Signature and HMACTag are not inputs: signature and
// tag are computed over the content hash, and recomputation is how tampering
// with any hashed field is detected.
func (e *Entry) ComputeContentHash() (string, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	h, err := canonical.Hash(map[string]any{
		"index":     e.Index,
		"timestamp": e.Timestamp.UTC().Format(timestampFormat),
		"actor":     e.Actor,
		"action":    e.Action,
		"payload":   payload,
		"prev_hash": e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("content hash for index %d: %w", e.Index, err)
	}
	return h, nil
}

// MarshalRecord encodes the entry into its canonical persisted form.
// MerkleBatchID is cleared first so the record bytes never change after the
// covering batch seals.
func (e *Entry) MarshalRecord() ([]byte, error) {
	rec := *e
	rec.MerkleBatchID = ""
	rec.Timestamp = rec.Timestamp.UTC()
	b, err := canonical.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshal entry %d: %w", e.Index, err)
	}
	return b, nil
}

// UnmarshalRecord decodes a persisted entry record.
func UnmarshalRecord(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry record: %w", err)
	}
	return &e, nil
}
