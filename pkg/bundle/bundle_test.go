package bundle_test

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
	"github.com/jmerrifield20/sovereign-ledger/pkg/bundle"
	"github.com/jmerrifield20/sovereign-ledger/pkg/merkle"
)

// mapRing is a TagVerifier over a fixed key set, standing in for the
// ledger's rotating key ring.
type mapRing map[string][]byte

func (m mapRing) Verify(keyID string, message, tag []byte) (bool, error) {
	key, ok := m[keyID]
	if !ok {
		return false, fmt.Errorf("%w: key id %s", audit.ErrKeyNotFound, keyID)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), tag), nil
}

// makeBundle builds a fully valid signed bundle for a three-leaf batch,
// proving the middle leaf.
func makeBundle(t *testing.T) (*bundle.Bundle, mapRing) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	e := &audit.Entry{
		Index:     1,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
		Actor:     "user",
		Action:    "login",
		Payload:   json.RawMessage(`{"id":"u1"}`),
		PrevHash:  hexHash("leaf-0"),
	}
	ch, err := e.ComputeContentHash()
	if err != nil {
		t.Fatalf("ComputeContentHash: %v", err)
	}
	e.ContentHash = ch
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ch)))

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	sum := sha256.Sum256(key)
	e.HMACKeyID = hex.EncodeToString(sum[:8])
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ch))
	e.HMACTag = hex.EncodeToString(mac.Sum(nil))

	leaves := []string{hexHash("leaf-0"), ch, hexHash("leaf-2")}
	root, err := merkle.Root(leaves)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	path, err := merkle.BuildProof(leaves, 1)
	if err != nil {
		t.Fatalf("BuildProof: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	b := &bundle.Bundle{
		Version:          bundle.Version,
		GenesisID:        "GENESIS-" + hexHash("lineage")[:16],
		GenesisPublicKey: string(pubPEM),
		BatchID:          "batch-0001",
		MerkleRoot:       root,
		RootSignature:    base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(root))),
		MerklePath:       path,
		Entry:            e,
	}
	return b, mapRing{e.HMACKeyID: key}
}

func hexHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func statusOf(t *testing.T, res *bundle.Result, name string) string {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	t.Fatalf("check %s not reported; got %+v", name, res.Checks)
	return ""
}

func TestVerify_validBundlePassesEveryCheck(t *testing.T) {
	b, ring := makeBundle(t)

	res := bundle.Verify(b, nil)
	if !res.OK {
		t.Fatalf("Verify not OK: %+v", res.Checks)
	}
	for _, name := range []string{
		bundle.CheckComplete, bundle.CheckContentHash, bundle.CheckSignature,
		bundle.CheckMerklePath, bundle.CheckRootSignature,
	} {
		if got := statusOf(t, res, name); got != bundle.StatusPass {
			t.Fatalf("check %s = %s, want pass", name, got)
		}
	}
	if got := statusOf(t, res, bundle.CheckHMACTag); got != bundle.StatusSkipped {
		t.Fatalf("hmac check without key material = %s, want skipped", got)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("Err on passing result: %v", err)
	}

	// With the key ring available the HMAC layer is checked too.
	res = bundle.Verify(b, ring)
	if !res.OK || statusOf(t, res, bundle.CheckHMACTag) != bundle.StatusPass {
		t.Fatalf("Verify with ring: %+v", res.Checks)
	}
}

func TestVerify_namesTheBrokenLayer(t *testing.T) {
	tests := []struct {
		name       string
		corrupt    func(b *bundle.Bundle)
		wantFailed string
		stillPass  []string
	}{
		{
			name:       "tampered action fails content hash only",
			corrupt:    func(b *bundle.Bundle) { b.Entry.Action = "logout" },
			wantFailed: bundle.CheckContentHash,
			stillPass:  []string{bundle.CheckSignature, bundle.CheckMerklePath, bundle.CheckRootSignature},
		},
		{
			name:       "tampered signature fails signature only",
			corrupt:    func(b *bundle.Bundle) { b.Entry.Signature = base64.StdEncoding.EncodeToString(make([]byte, 64)) },
			wantFailed: bundle.CheckSignature,
			stillPass:  []string{bundle.CheckContentHash, bundle.CheckMerklePath, bundle.CheckRootSignature},
		},
		{
			name: "tampered path fails merkle path only",
			corrupt: func(b *bundle.Bundle) {
				b.MerklePath[0].Hash = hexHash("somewhere-else")
			},
			wantFailed: bundle.CheckMerklePath,
			stillPass:  []string{bundle.CheckContentHash, bundle.CheckSignature, bundle.CheckRootSignature},
		},
		{
			name:       "tampered root signature fails root signature only",
			corrupt:    func(b *bundle.Bundle) { b.RootSignature = base64.StdEncoding.EncodeToString(make([]byte, 64)) },
			wantFailed: bundle.CheckRootSignature,
			stillPass:  []string{bundle.CheckContentHash, bundle.CheckSignature, bundle.CheckMerklePath},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := makeBundle(t)
			tt.corrupt(b)

			res := bundle.Verify(b, nil)
			if res.OK {
				t.Fatal("Verify passed a corrupted bundle")
			}
			if got := statusOf(t, res, tt.wantFailed); got != bundle.StatusFail {
				t.Fatalf("check %s = %s, want fail", tt.wantFailed, got)
			}
			for _, name := range tt.stillPass {
				if got := statusOf(t, res, name); got != bundle.StatusPass {
					t.Fatalf("independent check %s = %s, want pass", name, got)
				}
			}
			if err := res.Err(); !errors.Is(err, audit.ErrTamperDetected) {
				t.Fatalf("Err = %v, want ErrTamperDetected", err)
			}
		})
	}
}

func TestVerify_tamperedContentHashFailsEveryDependentLayer(t *testing.T) {
	b, _ := makeBundle(t)
	b.Entry.ContentHash = hexHash("forged")

	res := bundle.Verify(b, nil)
	for _, name := range []string{bundle.CheckContentHash, bundle.CheckSignature, bundle.CheckMerklePath} {
		if got := statusOf(t, res, name); got != bundle.StatusFail {
			t.Fatalf("check %s = %s, want fail", name, got)
		}
	}
}

func TestVerify_wrongPublicKeyFailsBothSignatureChecks(t *testing.T) {
	b, _ := makeBundle(t)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(otherPub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	b.GenesisPublicKey = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	res := bundle.Verify(b, nil)
	if statusOf(t, res, bundle.CheckSignature) != bundle.StatusFail {
		t.Fatal("entry signature passed under a different public key")
	}
	if statusOf(t, res, bundle.CheckRootSignature) != bundle.StatusFail {
		t.Fatal("root signature passed under a different public key")
	}
	if statusOf(t, res, bundle.CheckContentHash) != bundle.StatusPass {
		t.Fatal("content hash should not depend on the public key")
	}
}

func TestVerify_missingHMACKeyIsNotTamper(t *testing.T) {
	b, _ := makeBundle(t)

	res := bundle.Verify(b, mapRing{})
	if res.OK {
		t.Fatal("Verify OK with an uncheckable HMAC layer")
	}
	if got := statusOf(t, res, bundle.CheckHMACTag); got != bundle.StatusKeyMissing {
		t.Fatalf("hmac check = %s, want key_missing", got)
	}
	err := res.Err()
	if !errors.Is(err, audit.ErrKeyNotFound) {
		t.Fatalf("Err = %v, want ErrKeyNotFound", err)
	}
	if errors.Is(err, audit.ErrTamperDetected) {
		t.Fatal("missing key reported as tamper")
	}
}

func TestVerify_wrongTagFailsHMACCheck(t *testing.T) {
	b, ring := makeBundle(t)
	b.Entry.HMACTag = hexHash("not-the-tag")

	res := bundle.Verify(b, ring)
	if got := statusOf(t, res, bundle.CheckHMACTag); got != bundle.StatusFail {
		t.Fatalf("hmac check = %s, want fail", got)
	}
	if err := res.Err(); !errors.Is(err, audit.ErrTamperDetected) {
		t.Fatalf("Err = %v, want ErrTamperDetected", err)
	}
}

func TestVerify_incompleteBundleStopsAtCompleteness(t *testing.T) {
	b, _ := makeBundle(t)
	b.Entry = nil

	res := bundle.Verify(b, nil)
	if res.OK {
		t.Fatal("Verify passed a bundle without an entry")
	}
	if got := statusOf(t, res, bundle.CheckComplete); got != bundle.StatusFail {
		t.Fatalf("completeness check = %s, want fail", got)
	}
	if len(res.Checks) != 1 {
		t.Fatalf("expected only the completeness check, got %+v", res.Checks)
	}
}

func TestEncodeDecode_roundTrip(t *testing.T) {
	b, _ := makeBundle(t)

	data, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := bundle.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.BatchID != b.BatchID || got.MerkleRoot != b.MerkleRoot || got.Entry.ContentHash != b.Entry.ContentHash {
		t.Fatalf("round trip changed bundle: %+v", got)
	}

	res := bundle.Verify(got, nil)
	if !res.OK {
		t.Fatalf("decoded bundle fails verification: %+v", res.Checks)
	}
}

func TestDecode_rejectsUnknownVersion(t *testing.T) {
	b, _ := makeBundle(t)
	b.Version = 99
	data, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := bundle.Decode(data); err == nil {
		t.Fatal("Decode accepted an unknown version")
	}
}
