// internal/browser/session/context_utils.go
package session

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also canceled when
// secondary is done. Values and deadline come from primary, which for the CDP engine
// carries the target connection. The cause of a secondary cancellation is preserved and
// can be read with context.Cause.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(primary)
	if secondary.Done() == nil {
		return combined, func() { cancel(nil) }
	}

	go func() {
		select {
		case <-secondary.Done():
			cancel(context.Cause(secondary))
		case <-combined.Done():
		}
	}()

	return combined, func() { cancel(nil) }
}

// valueOnlyContext keeps the values of its parent and drops its deadline and cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that inherits values from ctx but is never canceled by it.
// Teardown uses it so cleanup still runs after a scenario deadline fires.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}

// DetachWithTimeout detaches ctx and bounds the result with its own timeout.
func DetachWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(Detach(ctx), timeout)
}
