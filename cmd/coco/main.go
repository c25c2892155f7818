// Command coco runs a single peer replication core: a Git-based daemon
// that maintains a project's refs, answers and issues gossip-triggered
// clone/fetch requests, and rewrites Git include files for its tracked
// peers (spec.md §1).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/radicle-dev/coco/cmd/coco/shared"
)

func main() {
	var cfg shared.Config

	app := &cli.App{
		Name:  "coco",
		Usage: "a decentralized Git peer replication daemon",
		Flags: shared.Flags(&cfg),
		Action: func(c *cli.Context) error {
			return shared.Main(c.Context, &cfg, shared.Hooks{})
		},
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "coco:", err)
		os.Exit(1)
	}
}
