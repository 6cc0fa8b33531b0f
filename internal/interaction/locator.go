// internal/interaction/locator.go
package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/config"
)

// Resolution is a successfully located handle and the strategy that produced it.
type Resolution struct {
	Handle   Handle
	Strategy Strategy
	// Index is the position of the winning strategy in the tried list.
	Index int
	// Candidates is how many elements the winning strategy matched.
	Candidates int
}

// Locator resolves logical targets by trying strategies strictly in order.
type Locator struct {
	waiter          *Waiter
	logger          *zap.Logger
	recorder        Recorder
	strategyTimeout time.Duration
}

// NewLocator creates a locator that probes through waiter's page.
func NewLocator(waiter *Waiter, cfg config.InteractionConfig, logger *zap.Logger, recorder Recorder) *Locator {
	if waiter == nil {
		panic("Locator created with nil Waiter reference")
	}
	if recorder == nil {
		recorder = NopRecorder
	}
	st := cfg.StrategyTimeout
	if st <= 0 {
		st = 2 * time.Second
	}
	return &Locator{
		waiter:          waiter,
		logger:          logger.Named("locator"),
		recorder:        recorder,
		strategyTimeout: st,
	}
}

// Resolve walks target's strategies in declared order. Each gets a short sub-timeout to
// produce a visible, attached first candidate. When the overall budget runs out, the
// remaining strategies still get one immediate probe so the failure lists all of them.
func (l *Locator) Resolve(ctx context.Context, target Target, timeout time.Duration) (Resolution, error) {
	return l.ResolveInMode(ctx, target, ModeUnset, timeout)
}

// ResolveInMode is Resolve with an explicit add/edit mode for targets with per-mode strategies.
func (l *Locator) ResolveInMode(ctx context.Context, target Target, mode Mode, timeout time.Duration) (Resolution, error) {
	if timeout <= 0 {
		return Resolution{}, fmt.Errorf("%w: resolving %s", ErrInvalidTimeout, target)
	}
	strategies, err := target.StrategiesFor(mode)
	if err != nil {
		return Resolution{}, err
	}
	if len(strategies) == 0 {
		return Resolution{}, &Failure{Kind: KindLocatorExhausted, Target: target.String(), Attempts: 1, Err: errors.New("target has no strategies")}
	}

	log := l.logger.With(zap.String("target", target.String()))
	deadline := time.Now().Add(timeout)
	attempts := make([]StrategyAttempt, 0, len(strategies))

	for i, s := range strategies {
		if ctx.Err() != nil {
			return Resolution{}, fmt.Errorf("resolving %s: %w", target, ctx.Err())
		}

		sub := l.strategyTimeout
		if remaining := time.Until(deadline); remaining < sub {
			sub = remaining
		}

		res, reason, err := l.tryStrategy(ctx, s, target.Unique, sub)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolving %s: %w", target, err)
		}
		if res != nil {
			res.Index = i
			l.recorder.ObserveStrategy(s.Kind, "hit")
			if i > 0 {
				log.Info("Resolved target using fallback strategy.", zap.String("strategy", s.String()), zap.Int("index", i))
			} else {
				log.Debug("Resolved target.", zap.String("strategy", s.String()))
			}
			return *res, nil
		}

		l.recorder.ObserveStrategy(s.Kind, "miss")
		log.Debug("Locator strategy failed.", zap.String("strategy", s.String()), zap.Int("index", i), zap.String("reason", reason))
		attempts = append(attempts, StrategyAttempt{Strategy: s.String(), Reason: reason})
	}

	log.Warn("All locator strategies exhausted.", zap.Int("strategies", len(attempts)))
	return Resolution{}, &Failure{
		Kind:       KindLocatorExhausted,
		Target:     target.String(),
		Condition:  "visible and attached",
		Attempts:   1,
		Strategies: attempts,
	}
}

// tryStrategy waits up to sub for s to yield a usable first candidate. A nil resolution
// with a reason means the strategy missed. A non-nil error means the caller's context ended.
func (l *Locator) tryStrategy(ctx context.Context, s Strategy, unique bool, sub time.Duration) (*Resolution, string, error) {
	if err := s.Validate(); err != nil {
		return nil, err.Error(), nil
	}

	var (
		found  *Resolution
		reason = "not found"
	)
	probe := func(pctx context.Context, p Page) (bool, error) {
		cands, err := p.FindCandidates(pctx, s)
		if err != nil {
			reason = "probe error: " + err.Error()
			return false, err
		}
		if len(cands) == 0 {
			reason = "not found"
			return false, nil
		}
		if unique && len(cands) > 1 {
			reason = fmt.Sprintf("ambiguous: %d matches", len(cands))
			return false, nil
		}
		ok, err := probeHandle(pctx, cands[0], StateVisible)
		if err != nil {
			reason = "probe error: " + err.Error()
			return false, err
		}
		if !ok {
			reason = "not visible"
			return false, nil
		}
		found = &Resolution{Handle: cands[0], Strategy: s, Candidates: len(cands)}
		return true, nil
	}

	if sub <= 0 {
		// Budget exhausted: a single immediate probe.
		if _, err := probe(ctx, l.waiter.page); err != nil && ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return found, reason, nil
	}

	subCtx, cancel := context.WithTimeout(ctx, sub)
	defer cancel()
	pl := l.waiter.newPoller(probe, true, false)
	defer pl.release()

	err := pl.wait(subCtx)
	if err == nil {
		return found, "", nil
	}
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}
	if found == nil && reason != "" {
		reason = fmt.Sprintf("%s after %v", reason, sub)
	}
	return nil, reason, nil
}
