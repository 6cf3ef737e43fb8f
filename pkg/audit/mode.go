package audit

import "fmt"

// Mode is the guarantee level a ledger was opened with. It is chosen once
// at startup, recorded in the store manifest, and never switched mid-run,
// so verifiers always know which checks a chain must satisfy.
type Mode string

const (
	// ModeSovereign is the full guarantee level: every entry is Ed25519
	// signed and every sealed batch carries a signed Merkle root.
	ModeSovereign Mode = "sovereign"

	// ModeOperational drops the signature layer: entries carry the hash
	// chain and HMAC tags only. Proof bundles cannot be produced in this
	// mode because they depend on signed roots.
	ModeOperational Mode = "operational"
)

// ParseMode validates a mode string from configuration or a manifest.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSovereign, ModeOperational:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown ledger mode %q (want %q or %q)", s, ModeSovereign, ModeOperational)
	}
}

// Signed reports whether entries and batch roots carry Ed25519 signatures.
func (m Mode) Signed() bool { return m == ModeSovereign }
