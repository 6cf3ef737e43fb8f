// Command salverify checks proof bundles offline.
//
// It has no access to the ledger, its store, or any key material: every
// check runs against the public fields carried inside the bundle itself.
// HMAC tags are reported as skipped rather than failed, since symmetric
// keys never travel with a proof.
//
//	salverify proof-42.json [more.json ...]
//
// The exit status is 0 only if every bundle passes every check.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/jmerrifield20/sovereign-ledger/pkg/bundle"
)

var quiet = flag.Bool("q", false, "print only failures")

func main() {
	log.SetFlags(0)
	log.SetPrefix("salverify: ")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: salverify [-q] <bundle.json> [more.json ...]")
		os.Exit(2)
	}

	failed := 0
	for _, path := range flag.Args() {
		if !verifyFile(path) {
			failed++
		}
	}
	if failed > 0 {
		log.Fatalf("%d of %d bundle(s) failed verification", failed, flag.NArg())
	}
}

func verifyFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("%s: %v", path, err)
		return false
	}
	b, err := bundle.Decode(data)
	if err != nil {
		log.Printf("%s: %v", path, err)
		return false
	}

	res := bundle.Verify(b, nil)

	if !*quiet || !res.OK {
		if b.Entry != nil {
			fmt.Printf("%s: entry %d of batch %s\n", path, b.Entry.Index, b.BatchID)
		} else {
			fmt.Printf("%s:\n", path)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, c := range res.Checks {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", c.Name, c.Status, c.Detail)
		}
		w.Flush() //nolint:errcheck
	}

	if res.OK {
		if !*quiet {
			fmt.Println("✓ verified")
			fmt.Println()
		}
		return true
	}
	fmt.Printf("FAILED: %v\n\n", res.Failed())
	return false
}
