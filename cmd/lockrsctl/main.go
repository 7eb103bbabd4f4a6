// Command lockrsctl is the operator tool for a lockrs deployment: it migrates the
// Postgres schema, rotates and prunes the shared signing keys, seeds client
// registrations and sweeps expired rows.
package main

import (
	"fmt"
	"os"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
