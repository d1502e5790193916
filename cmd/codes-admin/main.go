// Command codes-admin is the operator tool for license codes: it mints
// batches straight into the ledger database, prints the redemption report,
// registers priced resources and issues tokens for local testing.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(defaultBackend).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
