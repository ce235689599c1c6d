// Command segpush publishes generated segment archives to a table's control
// plane and hosts the Temporal worker that pushes dispatched units.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
