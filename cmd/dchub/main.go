// Command dchub is the CLI front-end for the client: start the core
// session, manage configured hubs, share roots and the download queue.
package main

import (
	"fmt"
	"os"

	"github.com/prxssh/dchub/cmd/dchub/cli"
)

func main() {
	if err := cli.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
