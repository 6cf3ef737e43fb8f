package audit

import "fmt"

// Report is the aggregated outcome of a full integrity verification pass.
// A pass never stops at the first problem: Findings carries every anomaly
// discovered (up to the verifier's configured cap), so one run localizes
// all faults.
//
// Missing HMAC keys are collected separately from Findings. A tag that
// cannot be checked because the key material is gone is a deployment
// defect, not evidence of tampering, and the two must never be conflated.
type Report struct {
	OK          bool     `json:"ok"`
	Entries     int      `json:"entries"`
	Batches     int      `json:"batches"`
	Findings    []string `json:"findings,omitempty"`
	MissingKeys []string `json:"missing_keys,omitempty"`

	// Truncated is set when Findings hit the cap and the walk stopped
	// before covering the whole chain.
	Truncated bool `json:"truncated,omitempty"`
}

// Summary renders the report as a single human-readable line.
func (r *Report) Summary() string {
	if r.OK {
		return fmt.Sprintf("ledger verified (%d entries, %d batches)", r.Entries, r.Batches)
	}
	if len(r.Findings) == 0 {
		return fmt.Sprintf("UNVERIFIABLE: %d tag(s) reference missing HMAC keys", len(r.MissingKeys))
	}
	return fmt.Sprintf("FAILED: %d finding(s) across %d entries, %d batches", len(r.Findings), r.Entries, r.Batches)
}

// Err converts a failed report into a hard error, or nil for a clean
// report. Tamper findings wrap ErrTamperDetected; a report whose only
// problems are missing HMAC keys wraps ErrKeyNotFound instead. Callers
// that must not ignore tampering (exit paths, startup checks) use this
// instead of the boolean.
func (r *Report) Err() error {
	if r.OK {
		return nil
	}
	if len(r.Findings) == 0 {
		return fmt.Errorf("%w: %d tag(s) unverifiable: %s", ErrKeyNotFound, len(r.MissingKeys), r.MissingKeys[0])
	}
	return fmt.Errorf("%w: %d finding(s): %s", ErrTamperDetected, len(r.Findings), r.Findings[0])
}
