// Command gamerec recommends video games from a catalog.
//
// Usage:
//
//	gamerec ask "a relaxing farming game 5"
//	gamerec serve
//	gamerec index --sync --recreate
//	gamerec version
//
// Settings come from defaults, an optional gamerec.yaml (or CONFIG_PATH) and
// the environment, in that order.
package main

import (
	"os"
)

// Set via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
