// Command floorstate runs and inspects the floorstate state and sync core.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/floorstate/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
