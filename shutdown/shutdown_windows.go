//go:build windows

package shutdown

import (
	"context"
	"os"
	"os/signal"
)

// Context is canceled on Ctrl+C.
func Context(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
