// Package keyroot manages the Ed25519 keypair that anchors trust for one
// ledger lineage.
//
// The keypair is created once, on first initialization, and loaded on every
// later startup. Regenerating it would invalidate every previously issued
// signature, so loading is strict: a private key file that is corrupt, that
// does not match the public key on disk, or that is readable by group/other
// fails with audit.ErrKeyLoad instead of being silently replaced.
package keyroot

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
)

const (
	genesisKeyFile = "genesis.key"
	genesisPubFile = "genesis.pub"
	genesisIDFile  = "genesis_id.txt"

	genesisIDPrefix = "GENESIS-"
)

// KeyRoot holds the signing keypair for a ledger lineage. The private seed
// lives in a sealed memguard enclave and is opened only for the duration of
// a signature.
type KeyRoot struct {
	dir       string
	genesisID string
	pub       ed25519.PublicKey
	seed      *memguard.Enclave
	logger    *zap.Logger
}

// GenerateOrLoad loads the keypair from dir, or generates a fresh one when
// no private key exists yet. First-time generation writes genesis.key with
// owner-only permissions, genesis.pub world-readable, and genesis_id.txt.
func GenerateOrLoad(dir string, logger *zap.Logger) (*KeyRoot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	keyPath := filepath.Join(dir, genesisKeyFile)
	if _, err := os.Stat(keyPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat genesis key: %w", err)
		}
		return create(dir, logger)
	}
	return load(dir, logger)
}

func create(dir string, logger *zap.Logger) (*KeyRoot, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %q: %w", dir, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate genesis keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal genesis key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal genesis public key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	id := deriveGenesisID(pub)

	if err := os.WriteFile(filepath.Join(dir, genesisKeyFile), keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write genesis key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, genesisPubFile), pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write genesis public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, genesisIDFile), []byte(id+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write genesis id: %w", err)
	}

	k := &KeyRoot{
		dir:       dir,
		genesisID: id,
		pub:       pub,
		seed:      memguard.NewEnclave(priv.Seed()),
		logger:    logger,
	}
	logger.Info("genesis keypair created",
		zap.String("genesis_id", id),
		zap.String("public_key", base64.StdEncoding.EncodeToString(pub)),
	)
	return k, nil
}

func load(dir string, logger *zap.Logger) (*KeyRoot, error) {
	keyPath := filepath.Join(dir, genesisKeyFile)

	info, err := os.Stat(keyPath)
	if err != nil {
		return nil, fmt.Errorf("stat genesis key: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return nil, fmt.Errorf("%w: genesis key %s has mode %04o, want owner-only access", audit.ErrKeyLoad, keyPath, mode)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read genesis key: %w", err)
	}
	priv, err := decodePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)

	// The public key file is derivable, so a missing one is rewritten; a
	// present one that disagrees with the private key is a hard failure.
	pubPath := filepath.Join(dir, genesisPubFile)
	pubPEM, err := os.ReadFile(pubPath)
	switch {
	case os.IsNotExist(err):
		if err := writePublicKey(pubPath, pub); err != nil {
			return nil, err
		}
		logger.Info("genesis public key file restored", zap.String("path", pubPath))
	case err != nil:
		return nil, fmt.Errorf("read genesis public key: %w", err)
	default:
		stored, err := DecodePublicKeyPEM(pubPEM)
		if err != nil {
			return nil, err
		}
		if !stored.Equal(pub) {
			return nil, fmt.Errorf("%w: genesis.pub does not match genesis.key", audit.ErrKeyLoad)
		}
	}

	seed := priv.Seed()
	k := &KeyRoot{
		dir:       dir,
		genesisID: deriveGenesisID(pub),
		pub:       pub,
		seed:      memguard.NewEnclave(seed),
		logger:    logger,
	}
	logger.Info("genesis keypair loaded", zap.String("genesis_id", k.genesisID))
	return k, nil
}

// GenesisID returns the stable lineage identifier derived from the public key.
func (k *KeyRoot) GenesisID() string { return k.genesisID }

// PublicKey returns the verification key.
func (k *KeyRoot) PublicKey() ed25519.PublicKey { return k.pub }

// PublicKeyPEM returns the verification key in PKIX PEM form, the encoding
// carried by proof bundles.
func (k *KeyRoot) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.pub)
	if err != nil {
		return nil, fmt.Errorf("marshal genesis public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Sign produces a deterministic Ed25519 signature over message.
func (k *KeyRoot) Sign(message []byte) ([]byte, error) {
	buf, err := k.seed.Open()
	if err != nil {
		return nil, fmt.Errorf("open genesis seed: %w", err)
	}
	defer buf.Destroy()
	priv := ed25519.NewKeyFromSeed(buf.Bytes())
	return ed25519.Sign(priv, message), nil
}

// Verify checks an Ed25519 signature. Pure; usable by any holder of the
// public key. Malformed keys or signatures simply fail verification.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// DecodePublicKeyPEM parses a PKIX PEM public key as written to genesis.pub
// and carried in proof bundles.
func DecodePublicKeyPEM(pubPEM []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: decode public key PEM", audit.ErrKeyLoad)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", audit.ErrKeyLoad, err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, want ed25519", audit.ErrKeyLoad, parsed)
	}
	return pub, nil
}

// DeriveGenesisID computes the lineage id for a public key: "GENESIS-" plus
// the first 16 hex characters of SHA-256(key bytes).
func DeriveGenesisID(pub ed25519.PublicKey) string {
	return deriveGenesisID(pub)
}

func deriveGenesisID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return genesisIDPrefix + hex.EncodeToString(sum[:])[:16]
}

func decodePrivateKey(keyPEM []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: decode genesis key PEM", audit.ErrKeyLoad)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse genesis key: %v", audit.ErrKeyLoad, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: genesis key is %T, want ed25519", audit.ErrKeyLoad, parsed)
	}
	return priv, nil
}

func writePublicKey(path string, pub ed25519.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal genesis public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if err := os.WriteFile(path, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write genesis public key: %w", err)
	}
	return nil
}
