// Command sidebundle-launcher is copied into every bundle as
// bin/.sidebundle-launcher and symlinked to from bin/<entry>. It never runs
// standalone outside an assembled bundle: Discover (internal/launcher)
// requires the bin/ and launchers/ layout a bundle lays down.
package main

import (
	"fmt"
	"os"

	"github.com/sidebundle/sidebundle/internal/launcher"
)

func main() {
	if err := launcher.Run(os.Args[0], os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sidebundle-launcher: %v\n", err)
		os.Exit(1)
	}
}
