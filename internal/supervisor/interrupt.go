package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// ErrNoSignals is returned by an interrupt listener with nothing to listen for.
var ErrNoSignals = errors.New("no termination signals to listen for")

// Interrupter waits for an external termination request.
// Wait returns nil once the request arrived, or an error if it can not be observed.
type Interrupter interface {
	Wait(ctx context.Context) error
}

// InterruptFunc adapts a function to the Interrupter interface.
type InterruptFunc func(ctx context.Context) error

// Wait calls f(ctx).
func (f InterruptFunc) Wait(ctx context.Context) error {
	return f(ctx)
}

// OSInterrupt listens for OS termination signals.
type OSInterrupt []os.Signal

// NewOSInterrupt creates a listener for Ctrl-C and SIGTERM.
func NewOSInterrupt() OSInterrupt {
	return OSInterrupt{os.Interrupt, syscall.SIGTERM}
}

// Wait blocks until one of the signals is received or the context is done.
func (o OSInterrupt) Wait(ctx context.Context) error {
	if len(o) == 0 {
		return ErrNoSignals
	}

	ts := make(chan os.Signal, 1)
	signal.Notify(ts, o...)
	defer signal.Stop(ts)

	select {
	case <-ts:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
