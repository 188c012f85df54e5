// Command unirun explains and benchmarks the backend decisions made by the
// unirun scheduler.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

// run executes the CLI and always closes the runtime before returning, so
// deferred cleanup happens before the process exits.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	if err := errors.Join(err, a.close()); err != nil {
		return 1
	}
	return 0
}
