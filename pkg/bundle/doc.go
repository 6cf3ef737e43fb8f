// Package bundle implements self-contained inclusion proofs for ledger
// entries.
//
// A Bundle carries everything a third party needs to verify one entry
// without the rest of the ledger: the entry itself, the Merkle path to its
// sealed batch root, the signed root, and the genesis public key. Nothing
// in a bundle is secret, and verification needs no network, no database,
// and no trust in the machine that produced it.
//
// # Verifying a bundle offline
//
// Decode the JSON and run Verify:
//
//	data, _ := os.ReadFile("proof-42.json")
//	b, err := bundle.Decode(data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res := bundle.Verify(b, nil)
//	for _, c := range res.Checks {
//	    fmt.Printf("%-16s %s\n", c.Name, c.Status)
//	}
//	if err := res.Err(); err != nil {
//	    log.Fatal(err) // wraps audit.ErrTamperDetected
//	}
//
// Each check is reported independently, so a failure names the exact layer
// that broke: the entry's content hash, its signature, the Merkle path, or
// the root signature.
//
// # The HMAC layer
//
// Entry HMAC tags are keyed with symmetric keys that never leave the
// writing process, so a plain offline verifier cannot check them; the
// hmac_tag check is reported as skipped. A verifier co-located with the
// ledger's key ring can pass it as a TagVerifier to extend coverage:
//
//	res := bundle.Verify(b, ring)
package bundle
