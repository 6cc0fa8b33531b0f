// internal/interaction/condition.go
package interaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Condition is a named, side-effect-free predicate over page state. Conditions are
// armed by a Waiter, which registers any event subscriptions up front, and then waited on.
type Condition interface {
	Describe() string
	Kind() string
	arm(w *Waiter) (waitable, error)
}

// waitable is an armed condition. wait returns nil once the condition holds.
type waitable interface {
	wait(ctx context.Context) error
	release()
}

// State is a desired element state.
type State string

const (
	StateVisible  State = "visible"
	StateHidden   State = "hidden"
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
	StateAttached State = "attached"
	StateDetached State = "detached"
)

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case StateVisible, StateHidden, StateEnabled, StateDisabled, StateAttached, StateDetached:
		return st, nil
	default:
		return "", fmt.Errorf("unknown element state %q", s)
	}
}

// -- Element state --

type elementCondition struct {
	target Target
	handle Handle
	label  string
	state  State
}

// ElementIs waits for a target, re-queried on every evaluation, to reach state. The
// first strategy that yields candidates decides which element is inspected.
func ElementIs(target Target, state State) Condition {
	return &elementCondition{target: target, label: target.String(), state: state}
}

// HandleIs waits for an already-resolved handle to reach state.
func HandleIs(h Handle, label string, state State) Condition {
	return &elementCondition{handle: h, label: label, state: state}
}

func (c *elementCondition) Describe() string { return fmt.Sprintf("%s is %s", c.label, c.state) }
func (c *elementCondition) Kind() string     { return "element" }

func (c *elementCondition) arm(w *Waiter) (waitable, error) {
	if c.handle == nil {
		if _, err := c.target.StrategiesFor(ModeUnset); err != nil {
			return nil, err
		}
		if len(c.target.Strategies) == 0 {
			return nil, fmt.Errorf("element condition for %q has no strategies", c.label)
		}
	}
	return w.newPoller(c.probe, true, false), nil
}

func (c *elementCondition) probe(ctx context.Context, p Page) (bool, error) {
	if c.handle != nil {
		return probeHandle(ctx, c.handle, c.state)
	}
	var lastErr error
	for _, s := range c.target.Strategies {
		cands, err := p.FindCandidates(ctx, s)
		if err != nil {
			lastErr = err
			continue
		}
		if len(cands) > 0 {
			return probeHandle(ctx, cands[0], c.state)
		}
	}
	if lastErr != nil {
		return false, lastErr
	}
	return c.state == StateDetached || c.state == StateHidden, nil
}

// probeHandle evaluates state on h. Stale handles count as detached.
func probeHandle(ctx context.Context, h Handle, st State) (bool, error) {
	attached, err := h.IsAttached(ctx)
	if err != nil {
		if !errors.Is(err, ErrStaleHandle) {
			return false, err
		}
		attached = false
	}
	switch st {
	case StateAttached:
		return attached, nil
	case StateDetached:
		return !attached, nil
	}
	if !attached {
		return st == StateHidden, nil
	}

	switch st {
	case StateVisible, StateHidden:
		visible, err := h.IsVisible(ctx)
		if errors.Is(err, ErrStaleHandle) {
			return st == StateHidden, nil
		}
		if err != nil {
			return false, err
		}
		return visible == (st == StateVisible), nil
	case StateEnabled, StateDisabled:
		enabled, err := h.IsEnabled(ctx)
		if errors.Is(err, ErrStaleHandle) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return enabled == (st == StateEnabled), nil
	}
	return false, fmt.Errorf("unknown element state %q", st)
}

// -- URL --

type urlCondition struct {
	pattern *URLPattern
}

// URLMatches waits until the page URL matches a glob or "re:" pattern.
func URLMatches(pattern string) (Condition, error) {
	p, err := CompileURLPattern(pattern)
	if err != nil {
		return nil, err
	}
	return &urlCondition{pattern: p}, nil
}

// MustURLMatches is URLMatches for patterns known to be valid.
func MustURLMatches(pattern string) Condition {
	return &urlCondition{pattern: MustCompileURLPattern(pattern)}
}

func (c *urlCondition) Describe() string { return "URL matches " + c.pattern.String() }
func (c *urlCondition) Kind() string     { return "url" }

func (c *urlCondition) arm(w *Waiter) (waitable, error) {
	return w.newPoller(func(ctx context.Context, p Page) (bool, error) {
		u, err := p.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return c.pattern.Match(u), nil
	}, false, true), nil
}

// -- Network response --

// StatusMatch is a status predicate: an exact code, a class (2 for 2xx), or any when zero.
type StatusMatch struct {
	Code  int
	Class int
}

func StatusCode(code int) StatusMatch   { return StatusMatch{Code: code} }
func StatusClass(class int) StatusMatch { return StatusMatch{Class: class} }

func (s StatusMatch) Match(status int) bool {
	switch {
	case s.Code != 0:
		return status == s.Code
	case s.Class != 0:
		return status/100 == s.Class
	default:
		return true
	}
}

func (s StatusMatch) String() string {
	switch {
	case s.Code != 0:
		return fmt.Sprintf("%d", s.Code)
	case s.Class != 0:
		return fmt.Sprintf("%dxx", s.Class)
	default:
		return "any"
	}
}

// ResponseMatch selects network responses by URL substring, method and status.
type ResponseMatch struct {
	URLContains string
	Method      string
	Status      StatusMatch

	// BodyContains fetches each candidate body in turn. Candidates arriving while a body is
	// being read queue up to subscriptionBuffer deep; beyond that they are dropped and
	// logged at debug level, so narrow URLContains when a burst of matches is expected.
	BodyContains string
}

// Matches applies everything except the body predicate.
func (m ResponseMatch) Matches(ev ResponseEvent) bool {
	if m.URLContains != "" && !strings.Contains(ev.URL, m.URLContains) {
		return false
	}
	if m.Method != "" && !strings.EqualFold(m.Method, ev.Method) {
		return false
	}
	return m.Status.Match(ev.Status)
}

func (m ResponseMatch) String() string {
	var b strings.Builder
	b.WriteString("response")
	if m.Method != "" {
		b.WriteString(" " + strings.ToUpper(m.Method))
	}
	if m.URLContains != "" {
		fmt.Fprintf(&b, " containing %q", m.URLContains)
	}
	fmt.Fprintf(&b, " with status %s", m.Status)
	if m.BodyContains != "" {
		fmt.Fprintf(&b, " and body containing %q", m.BodyContains)
	}
	return b.String()
}

type responseCondition struct {
	match ResponseMatch
}

// Response waits for a matching network response. The subscription is registered when
// the condition is armed, so arm it before triggering the request.
func Response(match ResponseMatch) Condition { return &responseCondition{match: match} }

func (c *responseCondition) Describe() string { return c.match.String() }
func (c *responseCondition) Kind() string     { return "response" }

func (c *responseCondition) arm(w *Waiter) (waitable, error) {
	sub := w.page.SubscribeResponses(c.match.Matches)
	return &responseWait{match: c.match, sub: sub, logger: w.logger}, nil
}

type responseWait struct {
	match   ResponseMatch
	sub     *Subscription[ResponseEvent]
	logger  *zap.Logger
	dropped uint64
}

func (r *responseWait) wait(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.reportDrops()
			return &stopped{cause: ctx.Err()}
		case ev, ok := <-r.sub.C():
			if !ok {
				return errors.New("response subscription closed before a match arrived")
			}
			if r.match.BodyContains == "" {
				return nil
			}
			body, err := ev.Body(ctx)
			if err != nil {
				r.logger.Debug("Could not read response body for matching.", zap.String("url", ev.URL), zap.Error(err))
				continue
			}
			if bytes.Contains(body, []byte(r.match.BodyContains)) {
				return nil
			}
			r.reportDrops()
		}
	}
}

// reportDrops logs responses discarded since the last call.
func (r *responseWait) reportDrops() {
	n := r.sub.Dropped()
	if n == r.dropped {
		return
	}
	r.logger.Debug("Response events dropped while reading bodies.",
		zap.Uint64("dropped", n-r.dropped),
		zap.String("condition", r.match.String()),
	)
	r.dropped = n
}

func (r *responseWait) release() { r.sub.Unsubscribe() }

// -- Network idle --

type idleCondition struct {
	quiet time.Duration
}

// NetworkIdle waits until no requests have been in flight for quiet.
func NetworkIdle(quiet time.Duration) Condition { return &idleCondition{quiet: quiet} }

func (c *idleCondition) Describe() string { return fmt.Sprintf("network idle for %v", c.quiet) }
func (c *idleCondition) Kind() string     { return "idle" }

func (c *idleCondition) arm(w *Waiter) (waitable, error) {
	ar, ok := w.page.(ActivityReporter)
	if !ok {
		return nil, errors.New("network idle condition is not supported by this engine")
	}
	return &idleWait{reporter: ar, quiet: c.quiet, check: w.pollInterval}, nil
}

type idleWait struct {
	reporter ActivityReporter
	quiet    time.Duration
	check    time.Duration
}

func (iw *idleWait) wait(ctx context.Context) error {
	timer := time.NewTimer(iw.quiet)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	defer timer.Stop()

	isIdle := false
	ticker := time.NewTicker(iw.check)
	defer ticker.Stop()

	evaluate := func() {
		if iw.reporter.InflightRequests() > 0 {
			if isIdle {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				isIdle = false
			}
			return
		}
		if !isIdle {
			timer.Reset(iw.quiet)
			isIdle = true
		}
	}
	evaluate()

	for {
		select {
		case <-ctx.Done():
			return &stopped{cause: ctx.Err()}
		case <-ticker.C:
			evaluate()
		case <-timer.C:
			return nil
		}
	}
}

func (iw *idleWait) release() {}

// -- Fixed delay --

type delayCondition struct {
	d time.Duration
}

// Delay is a pure wait. It is the last resort when no observable signal exists.
func Delay(d time.Duration) Condition { return &delayCondition{d: d} }

func (c *delayCondition) Describe() string { return fmt.Sprintf("fixed delay of %v", c.d) }
func (c *delayCondition) Kind() string     { return "delay" }

func (c *delayCondition) arm(w *Waiter) (waitable, error) {
	return &delayWait{page: w.page, d: c.d, logger: w.logger}, nil
}

type delayWait struct {
	page   Page
	d      time.Duration
	logger *zap.Logger
}

func (dw *delayWait) wait(ctx context.Context) error {
	dw.logger.Warn("Using a fixed delay as a wait condition.", zap.Duration("delay", dw.d))
	if err := dw.page.Sleep(ctx, dw.d); err != nil {
		if ctx.Err() != nil {
			return &stopped{cause: ctx.Err()}
		}
		return err
	}
	return nil
}

func (dw *delayWait) release() {}

// -- Caller predicate --

type predicateCondition struct {
	desc string
	fn   func(ctx context.Context, p Page) (bool, error)
}

// Predicate wraps a side-effect-free probe, for example a DOM marker check.
func Predicate(desc string, fn func(ctx context.Context, p Page) (bool, error)) Condition {
	return &predicateCondition{desc: desc, fn: fn}
}

func (c *predicateCondition) Describe() string { return c.desc }
func (c *predicateCondition) Kind() string     { return "predicate" }

func (c *predicateCondition) arm(w *Waiter) (waitable, error) {
	return w.newPoller(c.fn, true, true), nil
}

// -- Bounded sub-condition --

type withinCondition struct {
	inner   Condition
	timeout time.Duration
}

// Within caps how long inner may take, independently of the enclosing wait.
func Within(inner Condition, timeout time.Duration) Condition {
	return &withinCondition{inner: inner, timeout: timeout}
}

func (c *withinCondition) Describe() string {
	return fmt.Sprintf("%s within %v", c.inner.Describe(), c.timeout)
}
func (c *withinCondition) Kind() string { return c.inner.Kind() }

func (c *withinCondition) arm(w *Waiter) (waitable, error) {
	if c.timeout <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeout, c.inner.Describe())
	}
	inner, err := c.inner.arm(w)
	if err != nil {
		return nil, err
	}
	return &withinWait{inner: inner, desc: c.inner.Describe(), timeout: c.timeout}, nil
}

type withinWait struct {
	inner   waitable
	desc    string
	timeout time.Duration
}

func (ww *withinWait) wait(ctx context.Context) error {
	subCtx, cancel := context.WithTimeout(ctx, ww.timeout)
	defer cancel()
	start := time.Now()
	err := ww.inner.wait(subCtx)
	if err != nil && ctx.Err() == nil && errors.Is(subCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Condition: ww.desc, Timeout: ww.timeout, Elapsed: time.Since(start), Last: lastProbeError(err)}
	}
	return err
}

func (ww *withinWait) release() { ww.inner.release() }

// -- Composites --

type compositeCondition struct {
	op       string
	children []Condition
}

// All holds when every child holds. Children are waited on concurrently.
func All(children ...Condition) Condition { return &compositeCondition{op: "AND", children: children} }

// Any holds as soon as one child holds. The remaining children are cancelled.
func Any(children ...Condition) Condition { return &compositeCondition{op: "OR", children: children} }

func (c *compositeCondition) Describe() string {
	parts := make([]string, 0, len(c.children))
	for _, ch := range c.children {
		parts = append(parts, ch.Describe())
	}
	return "(" + strings.Join(parts, " "+c.op+" ") + ")"
}

func (c *compositeCondition) Kind() string {
	if c.op == "AND" {
		return "all"
	}
	return "any"
}

func (c *compositeCondition) arm(w *Waiter) (waitable, error) {
	if len(c.children) == 0 {
		return nil, fmt.Errorf("%s composite has no conditions", c.op)
	}
	armed := make([]waitable, 0, len(c.children))
	for _, ch := range c.children {
		wt, err := ch.arm(w)
		if err != nil {
			for _, a := range armed {
				a.release()
			}
			return nil, fmt.Errorf("arming %s: %w", ch.Describe(), err)
		}
		armed = append(armed, wt)
	}
	if c.op == "AND" {
		return &allWait{children: armed}, nil
	}
	return &anyWait{children: armed}, nil
}

type allWait struct {
	children []waitable
}

func (a *allWait) wait(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range a.children {
		g.Go(func() error { return ch.wait(gctx) })
	}
	return g.Wait()
}

func (a *allWait) release() {
	for _, ch := range a.children {
		ch.release()
	}
}

type anyWait struct {
	children []waitable
}

func (a *anyWait) wait(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, len(a.children))
	var wg sync.WaitGroup
	for _, ch := range a.children {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ch.wait(ctx)
		}()
	}

	var errs []error
	for range a.children {
		err := <-results
		if err == nil {
			cancel()
			wg.Wait()
			return nil
		}
		errs = append(errs, err)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return &stopped{cause: ctx.Err(), last: errors.Join(errs...)}
	}
	return errors.Join(errs...)
}

func (a *anyWait) release() {
	for _, ch := range a.children {
		ch.release()
	}
}

// stopped reports that a wait ended because its context finished. last carries the most
// recent probe failure, if any, for diagnostics.
type stopped struct {
	cause error
	last  error
}

func (s *stopped) Error() string {
	if s.last != nil {
		return fmt.Sprintf("%v (last probe error: %v)", s.cause, s.last)
	}
	return s.cause.Error()
}

func (s *stopped) Unwrap() error { return s.cause }

func lastProbeError(err error) error {
	var s *stopped
	if errors.As(err, &s) {
		return s.last
	}
	return nil
}
