// rigwatch is the observability daemon and CLI for Gas Town fleets.
package main

import (
	"os"

	"github.com/steveyegge/rigwatch/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
