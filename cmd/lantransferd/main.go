// Command lantransferd is the CLI front-end for the LAN transfer
// engine: "serve" runs a receiving instance, "send" pushes files to a
// peer and reports progress.
package main

import (
	"fmt"
	"os"

	"github.com/nlink/lantransfer/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
