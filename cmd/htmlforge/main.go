// File: cmd/htmlforge/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/htmlforge/cmd"
	"github.com/xkilldash9x/htmlforge/internal/observability"
)

func main() {
	defer observability.Sync()

	// SIGINT and SIGTERM trigger the proxy's graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		os.Exit(1)
	}
}
