//go:build ignore

// tamper-demo.go walks the whole tamper-evidence story end to end: build a
// clean session, corrupt a single byte of the store on disk, and show the
// verifier pinpointing the damaged entry and the broken link to its
// successor, while a proof bundle generated before the attack still
// verifies offline.
//
// Run with: go run scripts/tamper-demo.go
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/sovereign-ledger/internal/keyroot"
	"github.com/jmerrifield20/sovereign-ledger/internal/ledger"
	"github.com/jmerrifield20/sovereign-ledger/internal/store"
	"github.com/jmerrifield20/sovereign-ledger/internal/tagkey"
	"github.com/jmerrifield20/sovereign-ledger/pkg/audit"
	"github.com/jmerrifield20/sovereign-ledger/pkg/bundle"
)

var sessionStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func main() {
	log.SetFlags(0)

	dir, err := os.MkdirTemp("", "sal-demo-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()

	fmt.Println("══════════════════════════════════════════════════════")
	fmt.Println("  Sovereign Audit Ledger: tamper demo")
	fmt.Println("══════════════════════════════════════════════════════")

	// ── Build a clean session ────────────────────────────────────────────────
	fmt.Println("\n── Building a clean session ──")

	l := open(ctx, dir)
	events := []struct {
		actor, action string
		payload       any
	}{
		{"system", "boot", nil},
		{"user", "login", map[string]string{"id": "u1"}},
		{"system", "shutdown", nil},
	}
	for i, ev := range events {
		e, err := l.LogEventAt(ctx, sessionStart.Add(time.Duration(i)*time.Second), ev.actor, ev.action, ev.payload)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("  [%d] %s/%s  %s...\n", e.Index, e.Actor, e.Action, e.ContentHash[:16])
	}

	report(ctx, l)

	// Seal the session and capture a proof for the login entry while the
	// chain is still intact.
	if _, err := l.Flush(ctx); err != nil {
		log.Fatal(err)
	}
	pb, err := l.GenerateProofBundle(ctx, 1)
	if err != nil {
		log.Fatal(err)
	}
	proof, err := pb.Encode()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  ✓ batch sealed, proof bundle captured for entry 1 (%d bytes)\n", len(proof))

	if err := l.Close(); err != nil {
		log.Fatal(err)
	}

	// ── Corrupt one byte on disk ─────────────────────────────────────────────
	fmt.Println("\n── Corrupting one byte on disk ──")

	entriesLog := filepath.Join(dir, "ledger", "entries.log")
	raw, err := os.ReadFile(entriesLog)
	if err != nil {
		log.Fatal(err)
	}
	tampered := bytes.Replace(raw, []byte(`"action":"login"`), []byte(`"action":"logiX"`), 1)
	if bytes.Equal(raw, tampered) {
		log.Fatal("tamper target not found in entries.log")
	}
	if err := os.WriteFile(entriesLog, tampered, 0o600); err != nil {
		log.Fatal(err)
	}
	fmt.Println(`  "action":"login"  ->  "action":"logiX"  (entry 1, on disk)`)

	// ── Reload and verify ────────────────────────────────────────────────────
	fmt.Println("\n── Reloading the tampered ledger ──")

	l = open(ctx, dir)
	report(ctx, l)

	// ── The pre-attack proof still verifies offline ──────────────────────────
	fmt.Println("\n── Offline proof captured before the attack ──")

	decoded, err := bundle.Decode(proof)
	if err != nil {
		log.Fatal(err)
	}
	res := bundle.Verify(decoded, nil)
	for _, c := range res.Checks {
		fmt.Printf("  %-16s %s\n", c.Name, c.Status)
	}
	if res.OK {
		fmt.Println("  ✓ the bundle still proves what the original entry said")
	}

	if err := l.Close(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("\n══════════════════════════════════════════════════════")
}

// open wires a sovereign ledger over a file store in dir. The deterministic
// seed file keeps the HMAC ring identical across the close/reopen cycle.
func open(ctx context.Context, dir string) *ledger.Ledger {
	logger := zap.NewNop()

	st, err := store.OpenFileStore(store.FileConfig{Dir: filepath.Join(dir, "ledger")}, logger)
	if err != nil {
		log.Fatal(err)
	}
	rots, err := st.Rotations(ctx)
	if err != nil {
		log.Fatal(err)
	}
	ring, err := tagkey.New(tagkey.Config{
		SeedFile:  filepath.Join(dir, "tagkey.seed"),
		Rotations: len(rots),
	}, logger)
	if err != nil {
		log.Fatal(err)
	}
	root, err := keyroot.GenerateOrLoad(filepath.Join(dir, "keys"), logger)
	if err != nil {
		log.Fatal(err)
	}

	l, err := ledger.Open(ctx, ledger.Config{
		Store:   st,
		KeyRoot: root,
		Ring:    ring,
		Mode:    audit.ModeSovereign,
		Logger:  logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	return l
}

func report(ctx context.Context, l *ledger.Ledger) {
	r, err := l.VerifyIntegrity(ctx)
	if err != nil {
		log.Fatal(err)
	}
	if r.OK {
		fmt.Printf("  ✓ %s\n", r.Summary())
		return
	}
	fmt.Printf("  %s\n", r.Summary())
	for _, f := range r.Findings {
		fmt.Printf("    ✗ %s\n", f)
	}
	for _, m := range r.MissingKeys {
		fmt.Printf("    ? %s\n", m)
	}
}
