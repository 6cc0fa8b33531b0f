// internal/interaction/sequencer.go
package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/config"
)

// Sequencer executes action units: locate, wait for readiness, act exactly once, wait for
// the effect, verify, and retry within a bounded budget.
type Sequencer struct {
	waiter   *Waiter
	locator  *Locator
	logger   *zap.Logger
	recorder Recorder
	cfg      config.InteractionConfig
}

// NewSequencer creates a sequencer over an existing waiter and locator.
func NewSequencer(waiter *Waiter, locator *Locator, cfg config.InteractionConfig, logger *zap.Logger, recorder Recorder) *Sequencer {
	if waiter == nil || locator == nil {
		panic("Sequencer created with nil Waiter or Locator reference")
	}
	if recorder == nil {
		recorder = NopRecorder
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LocateTimeout <= 0 {
		cfg.LocateTimeout = 10 * time.Second
	}
	if cfg.PreTimeout <= 0 {
		cfg.PreTimeout = 5 * time.Second
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = 15 * time.Second
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	return &Sequencer{
		waiter:   waiter,
		locator:  locator,
		logger:   logger.Named("sequencer"),
		recorder: recorder,
		cfg:      cfg,
	}
}

// run tracks one Execute call.
type run struct {
	s      *Sequencer
	unit   ActionUnit
	out    Outcome
	log    *zap.Logger
	target string
}

func (r *run) enter(p Phase, attempt int) {
	r.out.Trace = append(r.out.Trace, p)
	r.log.Debug("Action unit state transition.", zap.String("state", string(p)), zap.Int("attempt", attempt))
}

// Execute runs unit, making at most maxAttempts passes through LOCATING. A non-positive
// maxAttempts uses the configured default.
func (s *Sequencer) Execute(ctx context.Context, unit ActionUnit, maxAttempts int) (Outcome, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	r := &run{
		s:      s,
		unit:   unit,
		target: unit.Target.String(),
	}
	r.log = s.logger.With(zap.String("target", r.target), zap.String("action", unit.Action.String()))

	start := time.Now()
	out, err := r.execute(ctx, maxAttempts)
	out.Duration = time.Since(start)

	outcome := "done"
	switch {
	case err == nil && out.Skipped:
		outcome = "skipped"
	case err != nil:
		outcome = "failed"
		if f, ok := AsFailure(err); ok {
			outcome = string(f.Kind)
		}
	}
	s.recorder.ObserveUnit(unit.Action.Kind, outcome, out.Attempts)
	return out, err
}

func (r *run) execute(ctx context.Context, maxAttempts int) (Outcome, error) {
	u := r.unit
	r.enter(PhasePending, 0)

	locateTimeout := orDefault(u.LocateTimeout, r.s.cfg.LocateTimeout)
	preTimeout := orDefault(u.PreTimeout, r.s.cfg.PreTimeout)
	postTimeout := orDefault(u.PostTimeout, r.s.cfg.PostTimeout)
	soft := u.SoftPost || r.s.cfg.SoftPostconditions

	var (
		lastFail        *Failure
		mismatchRetried bool
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r.out.Attempts = attempt
		if attempt > 1 {
			r.enter(PhaseRetry, attempt)
			r.log.Info("Retrying action unit.", zap.Int("attempt", attempt), zap.Error(lastFail))
			if err := sleepCtx(ctx, r.s.cfg.RetryBackoff); err != nil {
				return r.abort(ctx, err)
			}
		}

		// LOCATING
		r.enter(PhaseLocating, attempt)
		res, err := r.s.locator.ResolveInMode(ctx, u.Target, u.Mode, locateTimeout)
		if err != nil {
			if f, ok := AsFailure(err); ok && ctx.Err() == nil {
				f.Attempts = attempt
				lastFail = f
				continue
			}
			return r.abort(ctx, err)
		}
		r.out.Strategy = res.Strategy
		h := res.Handle

		// WAITING_PRE
		r.enter(PhaseWaitingPre, attempt)
		pre := u.Pre
		if pre == nil {
			pre = All(HandleIs(h, r.target, StateVisible), HandleIs(h, r.target, StateEnabled))
		}
		// A re-render can swap the node out from under h. The detached branch ends the wait
		// early so the target is located again instead of waiting out preTimeout.
		detached := Predicate(r.target+" is detached", func(ctx context.Context, _ Page) (bool, error) {
			return handleStale(ctx, h)
		})
		if err := r.s.waiter.Await(ctx, Any(pre, detached), preTimeout); err != nil {
			if ctx.Err() == nil && IsTimeout(err) {
				return r.fail(&Failure{Kind: KindPreconditionTimeout, Target: r.target, Condition: pre.Describe(), Attempts: attempt, Err: err})
			}
			return r.abort(ctx, err)
		}
		if gone, _ := handleStale(ctx, h); gone {
			r.log.Debug("Target went stale before acting, locating again.", zap.Int("attempt", attempt))
			lastFail = &Failure{
				Kind:      KindActionDispatchFailure,
				Target:    r.target,
				Condition: u.Action.String(),
				Attempts:  attempt,
				Err:       fmt.Errorf("%w: detached before %s", ErrStaleHandle, u.Action),
			}
			continue
		}

		if u.Guard != nil {
			actual, err := u.Guard.read(ctx, h)
			if err == nil && u.Guard.matches(actual) {
				r.log.Debug("Guard already holds, skipping action.", zap.String("guard", u.Guard.Describe()))
				r.out.Skipped = true
				r.enter(PhaseDone, attempt)
				return r.out, nil
			}
		}

		// Armed ahead of the action so a fast effect cannot be missed.
		var armed *Armed
		if u.Post != nil {
			if armed, err = r.s.waiter.Arm(u.Post); err != nil {
				return r.abort(ctx, err)
			}
		}

		// ACTING
		r.enter(PhaseActing, attempt)
		if err := u.Action.dispatch(ctx, h); err != nil {
			armed.Release()
			if ctx.Err() != nil {
				return r.abort(ctx, err)
			}
			r.log.Warn("Action dispatch failed.", zap.Int("attempt", attempt), zap.Error(err))
			lastFail = &Failure{Kind: KindActionDispatchFailure, Target: r.target, Condition: u.Action.String(), Attempts: attempt, Err: err}
			continue
		}

		// WAITING_POST
		if armed != nil {
			r.enter(PhaseWaitingPost, attempt)
			if err := armed.Wait(ctx, postTimeout); err != nil {
				if ctx.Err() != nil || !IsTimeout(err) {
					return r.abort(ctx, err)
				}
				if !soft {
					return r.fail(&Failure{Kind: KindPostconditionTimeout, Target: r.target, Condition: u.Post.Describe(), Attempts: attempt, Err: err})
				}
				msg := fmt.Sprintf("post-condition %q did not hold within %v for %q", u.Post.Describe(), postTimeout, r.target)
				r.log.Warn("Soft post-condition not met, continuing.", zap.String("condition", u.Post.Describe()))
				r.out.Warnings = append(r.out.Warnings, msg)
			}
		}

		// VERIFYING
		if u.Verify != nil {
			r.enter(PhaseVerifying, attempt)
			actual, err := u.Verify.read(ctx, h)
			if err != nil && ctx.Err() != nil {
				return r.abort(ctx, err)
			}
			if err != nil || !u.Verify.matches(actual) {
				lastFail = &Failure{
					Kind:      KindVerificationMismatch,
					Target:    r.target,
					Condition: u.Verify.Describe(),
					Attempts:  attempt,
					Expected:  u.Verify.Expected,
					Actual:    actual,
					Err:       err,
				}
				r.log.Warn("Verification mismatch.", zap.String("expected", u.Verify.Expected), zap.String("actual", actual), zap.Int("attempt", attempt))
				if !mismatchRetried && attempt < maxAttempts {
					mismatchRetried = true
					continue
				}
				return r.fail(lastFail)
			}
		}

		r.enter(PhaseDone, attempt)
		return r.out, nil
	}

	if lastFail == nil {
		lastFail = &Failure{Kind: KindLocatorExhausted, Target: r.target, Attempts: r.out.Attempts}
	}
	return r.fail(lastFail)
}

// handleStale reports whether h no longer refers to a node in the document.
func handleStale(ctx context.Context, h Handle) (bool, error) {
	attached, err := h.IsAttached(ctx)
	if errors.Is(err, ErrStaleHandle) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !attached, nil
}

func (r *run) fail(f *Failure) (Outcome, error) {
	r.enter(PhaseFailed, r.out.Attempts)
	r.log.Error("Action unit failed.", zap.String("kind", string(f.Kind)), zap.Int("attempts", f.Attempts), zap.String("condition", f.Condition))
	return r.out, f
}

// abort ends the unit on a context or wiring error that is outside the failure taxonomy.
func (r *run) abort(ctx context.Context, err error) (Outcome, error) {
	r.enter(PhaseFailed, r.out.Attempts)
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return r.out, fmt.Errorf("action %s on %q: %w", r.unit.Action, r.target, err)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// -- Conveniences --

// ClickAndWaitForURL clicks target and waits for the page URL to match pattern.
func (s *Sequencer) ClickAndWaitForURL(ctx context.Context, target Target, pattern string) (Outcome, error) {
	cond, err := URLMatches(pattern)
	if err != nil {
		return Outcome{}, err
	}
	return s.Execute(ctx, ActionUnit{Target: target, Action: Click(), Post: cond}, 0)
}

// FillAndVerify fills target with value and reads the value back.
func (s *Sequencer) FillAndVerify(ctx context.Context, target Target, value string) (Outcome, error) {
	return s.Execute(ctx, ActionUnit{Target: target, Action: Fill(value), Verify: ValueEquals(value)}, 0)
}

// SelectOptionAndWaitForNetwork selects option and waits for a matching response, such as
// the request that repopulates a dependent dropdown.
func (s *Sequencer) SelectOptionAndWaitForNetwork(ctx context.Context, target Target, option string, match ResponseMatch) (Outcome, error) {
	return s.Execute(ctx, ActionUnit{Target: target, Action: SelectOption(option), Post: Response(match)}, 0)
}

// ClickAndWaitForResponse clicks target and waits for a matching response.
func (s *Sequencer) ClickAndWaitForResponse(ctx context.Context, target Target, match ResponseMatch) (Outcome, error) {
	return s.Execute(ctx, ActionUnit{Target: target, Action: Click(), Post: Response(match)}, 0)
}
