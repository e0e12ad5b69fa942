// Command replyweave collects the replies an account posts, rebuilds the
// conversations they belong to, and keeps a JSON export of them current.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "replyweave",
		Usage:   "collect an account's replies and export them as conversation threads",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: user config dir)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log.level",
			},
		},
		Commands: []*cli.Command{
			collectCommand(),
			exportCommand(),
			runCommand(),
			watchCommand(),
			statsCommand(),
			configCommand(),
			openCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
