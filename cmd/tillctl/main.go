// tillctl is the operator CLI for a Till Core terminal's database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nerrad567/till-core/internal/cli"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Optional; values already in the environment win.
	_ = godotenv.Load(".env.local") //nolint:errcheck // File is optional
	_ = godotenv.Load(".env")       //nolint:errcheck // File is optional

	opts := &cli.RootOptions{
		ConfigPath: os.Getenv("TILL_CONFIG"),
		Version:    version,
		Commit:     commit,
		Date:       date,
	}

	if err := cli.NewRootCommand(opts).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
