// shapesub inspects and maintains the persisted shape subscriptions of a
// local-first sync client.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/shapesub/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
