package audit

import "errors"

// The ledger error taxonomy. Callers distinguish cases with errors.Is; every
// returned error wraps exactly one of these sentinels (or none, for plain
// I/O and usage errors).
var (
	// ErrKeyLoad means key material exists but is unusable: corrupt PEM, a
	// mismatched pair, or permissions loose enough that the key must be
	// considered exposed. Fatal at startup; the ledger refuses to run
	// unsigned rather than silently downgrade.
	ErrKeyLoad = errors.New("key material unusable")

	// ErrTamperDetected means a hash, signature, HMAC or Merkle root check
	// failed. Never downgraded to a warning.
	ErrTamperDetected = errors.New("tamper detected")

	// ErrKeyNotFound means a historical HMAC key id is not present in the
	// ring. This is a deployment defect (lost key material), reported
	// distinctly from tampering.
	ErrKeyNotFound = errors.New("hmac key not found")

	// ErrNotYetAnchored means a proof was requested for an entry whose
	// covering batch has not been sealed. Recoverable: flush and retry.
	ErrNotYetAnchored = errors.New("entry not yet anchored")

	// ErrWriteTimeout means the exclusive append lock was not acquired in
	// time. The caller may retry; no state was changed.
	ErrWriteTimeout = errors.New("append lock timeout")

	// ErrOperationalMode means the operation needs the signing keypair but
	// the ledger was opened in operational (unsigned) mode.
	ErrOperationalMode = errors.New("ledger is in operational mode")
)
