// Package main is the entry point for the execution bot: it follows the
// analytics service's rankings and rebalances subscriber vaults through
// the safety layer, with an HSM-held key and a hash-chained audit trail.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes contracted with the process supervisor. Exit code 2 is
// reserved for the audit layer, which exits the process itself when a
// safety event cannot be persisted.
const (
	exitFailure    = 1
	exitConfigProd = 3
)

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// botVersion is stamped into audit entries and backup manifests.
func botVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "bot:", err)

		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(exitFailure)
	}
}
