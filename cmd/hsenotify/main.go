// Command hsenotify runs the HSE notification daemon and talks to it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/RevCBH/hsenotify/internal/cli"
	"github.com/RevCBH/hsenotify/internal/daemon"
)

// Set via -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := cli.New()
	app.SetVersion(version, commit, date)

	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hsenotify: %v\n", err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}
