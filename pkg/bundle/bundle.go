package bundle

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
	"github.com/jmerrifield20/sovereign-ledger/pkg/merkle"
)

// Version is the bundle schema version.
const Version = 1

// Bundle is a self-contained proof that one entry belongs to a sealed batch
// of a specific ledger lineage. It contains no secrets.
type Bundle struct {
	Version          int                `json:"version"`
	GenesisID        string             `json:"genesis_id"`
	GenesisPublicKey string             `json:"genesis_public_key"`
	BatchID          string             `json:"batch_id"`
	MerkleRoot       string             `json:"merkle_root"`
	RootSignature    string             `json:"root_signature"`
	MerklePath       []merkle.ProofStep `json:"merkle_path"`
	Entry            *audit.Entry       `json:"entry"`
}

// Check names, in the order Verify runs them.
const (
	CheckComplete      = "bundle_complete"
	CheckContentHash   = "content_hash"
	CheckSignature     = "entry_signature"
	CheckMerklePath    = "merkle_path"
	CheckRootSignature = "root_signature"
	CheckHMACTag       = "hmac_tag"
)

// Check statuses.
const (
	StatusPass       = "pass"
	StatusFail       = "fail"
	StatusSkipped    = "skipped"
	StatusKeyMissing = "key_missing"
)

// Check is the outcome of one independent verification layer.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Result aggregates every check of a bundle verification. All checks run
// independently; one broken layer never masks another.
type Result struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

// Failed returns the names of every failed check.
func (r *Result) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			out = append(out, c.Name)
		}
	}
	return out
}

// Err converts a failed result into a hard error. Failed checks wrap
// audit.ErrTamperDetected naming the broken layer; a result whose only
// problem is an unknown HMAC key wraps audit.ErrKeyNotFound.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if failed := r.Failed(); len(failed) > 0 {
		return fmt.Errorf("%w: check(s) failed: %v", audit.ErrTamperDetected, failed)
	}
	for _, c := range r.Checks {
		if c.Status == StatusKeyMissing {
			return fmt.Errorf("%w: %s", audit.ErrKeyNotFound, c.Detail)
		}
	}
	return fmt.Errorf("%w: verification failed", audit.ErrTamperDetected)
}

// TagVerifier checks an HMAC tag with the historical key named by keyID.
// It reports audit.ErrKeyNotFound for unknown ids. The ledger's tag key
// ring implements it; offline verifiers without key material pass nil.
type TagVerifier interface {
	Verify(keyID string, message, tag []byte) (bool, error)
}

// Encode renders the bundle as indented JSON for file output.
func (b *Bundle) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a bundle produced by Encode.
func Decode(data []byte) (*Bundle, error) {
	b := &Bundle{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Version != Version {
		return nil, fmt.Errorf("decode bundle: unsupported version %d", b.Version)
	}
	return b, nil
}

// Verify runs every verification layer of a bundle and reports each
// outcome. tags may be nil, in which case the HMAC layer is skipped;
// symmetric keys never travel with a bundle.
func Verify(b *Bundle, tags TagVerifier) *Result {
	res := &Result{}

	pub, completeErr := checkComplete(b)
	res.add(CheckComplete, completeErr)
	if completeErr != nil {
		// Nothing else is checkable without the core fields.
		res.OK = false
		return res
	}

	res.add(CheckContentHash, checkContentHash(b.Entry))
	res.add(CheckSignature, verifySignature(pub, b.Entry.ContentHash, b.Entry.Signature))
	res.add(CheckMerklePath, checkMerklePath(b))
	res.add(CheckRootSignature, verifySignature(pub, b.MerkleRoot, b.RootSignature))
	res.addTagCheck(b, tags)

	res.OK = true
	for _, c := range res.Checks {
		if c.Status == StatusFail || c.Status == StatusKeyMissing {
			res.OK = false
			break
		}
	}
	return res
}

func (r *Result) add(name string, err error) {
	if err != nil {
		r.Checks = append(r.Checks, Check{Name: name, Status: StatusFail, Detail: err.Error()})
		return
	}
	r.Checks = append(r.Checks, Check{Name: name, Status: StatusPass})
}

func (r *Result) addTagCheck(b *Bundle, tags TagVerifier) {
	if tags == nil {
		r.Checks = append(r.Checks, Check{
			Name:   CheckHMACTag,
			Status: StatusSkipped,
			Detail: "no key material available to an offline verifier",
		})
		return
	}
	tag, err := hex.DecodeString(b.Entry.HMACTag)
	if err != nil {
		r.add(CheckHMACTag, fmt.Errorf("hmac_tag is not valid hex"))
		return
	}
	ok, err := tags.Verify(b.Entry.HMACKeyID, []byte(b.Entry.ContentHash), tag)
	switch {
	case errors.Is(err, audit.ErrKeyNotFound):
		r.Checks = append(r.Checks, Check{
			Name:   CheckHMACTag,
			Status: StatusKeyMissing,
			Detail: fmt.Sprintf("hmac key %s missing", b.Entry.HMACKeyID),
		})
	case err != nil:
		r.add(CheckHMACTag, err)
	case !ok:
		r.add(CheckHMACTag, fmt.Errorf("hmac tag invalid"))
	default:
		r.add(CheckHMACTag, nil)
	}
}

func checkComplete(b *Bundle) (ed25519.PublicKey, error) {
	if b.Entry == nil {
		return nil, fmt.Errorf("bundle has no entry")
	}
	if b.Entry.ContentHash == "" {
		return nil, fmt.Errorf("entry has no content_hash")
	}
	if b.MerkleRoot == "" {
		return nil, fmt.Errorf("bundle has no merkle_root")
	}
	if b.BatchID != "" && b.Entry.MerkleBatchID != "" && b.BatchID != b.Entry.MerkleBatchID {
		return nil, fmt.Errorf("entry batch id %s does not match bundle batch id %s", b.Entry.MerkleBatchID, b.BatchID)
	}
	pub, err := decodePublicKey(b.GenesisPublicKey)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func checkContentHash(e *audit.Entry) error {
	recomputed, err := e.ComputeContentHash()
	if err != nil {
		return err
	}
	if recomputed != e.ContentHash {
		return fmt.Errorf("content_hash mismatch")
	}
	return nil
}

func checkMerklePath(b *Bundle) error {
	if !merkle.VerifyProof(b.Entry.ContentHash, b.MerklePath, b.MerkleRoot) {
		return fmt.Errorf("merkle_path does not reconstruct merkle_root")
	}
	return nil
}

// verifySignature checks a base64 Ed25519 signature over the ASCII bytes
// of a hex hash string, the signing convention used for both entry content
// hashes and batch roots.
func verifySignature(pub ed25519.PublicKey, message, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("signature is not valid base64")
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature has wrong size %d", len(sig))
	}
	if !ed25519.Verify(pub, []byte(message), sig) {
		return fmt.Errorf("signature invalid")
	}
	return nil
}

func decodePublicKey(pubPEM string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("genesis_public_key is not a PUBLIC KEY PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse genesis_public_key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("genesis_public_key is not an Ed25519 key")
	}
	return pub, nil
}
