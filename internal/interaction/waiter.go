// internal/interaction/waiter.go
package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/tether/internal/config"
)

// Poll interval bounds. Shorter intervals burn CDP round-trips, longer ones over-wait.
const (
	minPollInterval = 100 * time.Millisecond
	maxPollInterval = 500 * time.Millisecond
)

// Waiter blocks until conditions hold on a single page.
type Waiter struct {
	page         Page
	logger       *zap.Logger
	recorder     Recorder
	pollInterval time.Duration
	minProbeGap  time.Duration
}

// NewWaiter creates a waiter bound to page.
func NewWaiter(page Page, cfg config.InteractionConfig, logger *zap.Logger, recorder Recorder) *Waiter {
	if page == nil {
		panic("Waiter created with nil Page reference")
	}
	if recorder == nil {
		recorder = NopRecorder
	}
	poll := cfg.PollInterval
	if poll < minPollInterval {
		poll = minPollInterval
	}
	if poll > maxPollInterval {
		poll = maxPollInterval
	}
	gap := cfg.MinProbeGap
	if gap <= 0 || gap > poll {
		gap = poll / 4
	}
	return &Waiter{
		page:         page,
		logger:       logger.Named("waiter"),
		recorder:     recorder,
		pollInterval: poll,
		minProbeGap:  gap,
	}
}

// Armed is a condition whose subscriptions are already registered. Arm before the action
// that triggers the awaited effect, then Wait after it.
type Armed struct {
	w    *Waiter
	cond Condition
	wt   waitable
	done bool
}

// Arm registers the condition's listeners immediately.
func (w *Waiter) Arm(cond Condition) (*Armed, error) {
	wt, err := cond.arm(w)
	if err != nil {
		return nil, fmt.Errorf("could not arm condition %q: %w", cond.Describe(), err)
	}
	return &Armed{w: w, cond: cond, wt: wt}, nil
}

// Condition returns the armed condition.
func (a *Armed) Condition() Condition { return a.cond }

// Release drops the condition's subscriptions. It is safe to call more than once and is
// called automatically by Wait.
func (a *Armed) Release() {
	if a == nil || a.done {
		return
	}
	a.done = true
	a.wt.release()
}

// Wait blocks until the condition holds or timeout elapses. A missed deadline yields a
// *TimeoutError naming the condition. Cancellation of ctx itself is returned wrapped, so
// callers can tell a slow application from an aborted scenario.
func (a *Armed) Wait(ctx context.Context, timeout time.Duration) error {
	defer a.Release()
	desc := a.cond.Describe()
	if a.done {
		return fmt.Errorf("condition %q was released before waiting", desc)
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, desc)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := a.wt.wait(opCtx)
	elapsed := time.Since(start)

	var result error
	switch {
	case err == nil:
		a.w.logger.Debug("Condition satisfied.", zap.String("condition", desc), zap.Duration("elapsed", elapsed))
	case ctx.Err() != nil:
		result = fmt.Errorf("waiting for %s: %w", desc, ctx.Err())
	case IsTimeout(err):
		result = err
	case errors.Is(opCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		result = &TimeoutError{Condition: desc, Timeout: timeout, Elapsed: elapsed, Last: lastProbeError(err)}
	default:
		result = fmt.Errorf("waiting for %s: %w", desc, err)
	}

	if result != nil {
		a.w.logger.Debug("Condition not satisfied.", zap.String("condition", desc), zap.Duration("elapsed", elapsed), zap.Error(result))
	}
	a.w.recorder.ObserveWait(a.cond.Kind(), elapsed, result)
	return result
}

// Await arms cond and waits for it. Use Arm directly when the awaited effect is caused by
// an action the caller is about to perform.
func (w *Waiter) Await(ctx context.Context, cond Condition, timeout time.Duration) error {
	armed, err := w.Arm(cond)
	if err != nil {
		return err
	}
	return armed.Wait(ctx, timeout)
}

// Page returns the page the waiter observes.
func (w *Waiter) Page() Page { return w.page }

// probeFunc evaluates a condition once. It must not mutate the page.
type probeFunc func(ctx context.Context, p Page) (bool, error)

// poller re-evaluates a probe on every poll tick and whenever the page signals a DOM
// change or navigation. A rate limiter spaces probes so bursts of signals collapse.
type poller struct {
	w     *Waiter
	probe probeFunc
	dom   *Subscription[DOMChange]
	nav   *Subscription[string]
}

func (w *Waiter) newPoller(probe probeFunc, wakeOnDOM, wakeOnNav bool) *poller {
	p := &poller{w: w, probe: probe}
	if n, ok := w.page.(Notifier); ok {
		if wakeOnDOM {
			p.dom = n.SubscribeDOMChanges()
		}
		if wakeOnNav {
			p.nav = n.SubscribeNavigations()
		}
	}
	return p
}

func (p *poller) wait(ctx context.Context) error {
	ticker := time.NewTicker(p.w.pollInterval)
	defer ticker.Stop()
	limiter := rate.NewLimiter(rate.Every(p.w.minProbeGap), 1)

	var domC <-chan DOMChange
	if p.dom != nil {
		domC = p.dom.C()
	}
	var navC <-chan string
	if p.nav != nil {
		navC = p.nav.C()
	}

	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			return &stopped{cause: contextCause(ctx, err), last: lastErr}
		}
		ok, err := p.probe(ctx, p.w.page)
		switch {
		case err == nil && ok:
			return nil
		case err != nil && ctx.Err() != nil:
			return &stopped{cause: ctx.Err(), last: lastErr}
		case err != nil:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return &stopped{cause: ctx.Err(), last: lastErr}
		case <-ticker.C:
		case _, open := <-domC:
			if !open {
				domC = nil
			}
		case _, open := <-navC:
			if !open {
				navC = nil
			}
		}
	}
}

func (p *poller) release() {
	p.dom.Unsubscribe()
	p.nav.Unsubscribe()
}

// contextCause maps a limiter error onto the context error it anticipates. The limiter
// refuses to wait past the deadline, so it fails slightly before ctx does.
func contextCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.DeadlineExceeded
	}
	return err
}
