// Package audit defines the public data model of the sovereign audit ledger:
// hash-chained entries, sealed Merkle batches, verification reports and the
// error taxonomy shared by writers, verifiers and external callers.
//
// The chain begins at index 0 with PrevHash equal to GenesisHash (64 hex
// zeros). Every entry's ContentHash is the SHA-256 of the canonical JSON of
// {index, timestamp, actor, action, payload, prev_hash}, so any mutation of
// a stored entry, or any break in the prev-hash linkage, is detectable by
// recomputation alone.
package audit
