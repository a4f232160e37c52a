package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownSignals are the signals that stop a service.
var ShutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// ErrShutdownSignal is the cancellation cause recorded when a shutdown
// signal arrives; context.Cause(ctx) wraps it with the signal name.
var ErrShutdownSignal = errors.New("shutdown signal received")

// ShutdownContext returns a context cancelled on the first of sigs (or
// ShutdownSignals when none are given). The signal is logged once so the
// drain that follows can be attributed to it.
func ShutdownContext(parent context.Context, logger *slog.Logger, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	if len(sigs) == 0 {
		sigs = ShutdownSignals
	}
	ctx, cancel := context.WithCancelCause(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			if logger != nil {
				logger.Info("shutting down", "signal", sig.String())
			}
			cancel(fmt.Errorf("%w: %s", ErrShutdownSignal, sig))
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
