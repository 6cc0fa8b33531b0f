// internal/scenario/steps.go
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/interaction"
)

// stepRun accumulates the result of one step.
type stepRun struct {
	res   schemas.StepResult
	start time.Time
}

func (r *stepRun) outcome(out interaction.Outcome) {
	r.res.Attempts = out.Attempts
	if out.Strategy.Kind != "" {
		r.res.Strategy = out.Strategy.String()
	}
	for _, p := range out.Trace {
		r.res.Trace = append(r.res.Trace, string(p))
	}
	r.res.Warnings = append(r.res.Warnings, out.Warnings...)
}

// RunStep executes one step and reports how it went. The error is non-nil exactly when the
// step failed.
func (c *Context) RunStep(ctx context.Context, index int, step schemas.Step) (schemas.StepResult, error) {
	r := &stepRun{start: time.Now()}
	r.res.Index = index
	kind, err := step.Kind()
	r.res.Kind = kind
	r.res.Description = step.Name
	if err == nil {
		err = c.dispatch(ctx, kind, step, r)
	}
	if r.res.Description == "" {
		r.res.Description = kind
	}

	r.res.Duration = time.Since(r.start)
	if err != nil {
		r.res.Status = schemas.StatusFailed
		r.res.Error = err.Error()
		if f, ok := interaction.AsFailure(err); ok {
			r.res.FailureKind = string(f.Kind)
		} else if interaction.IsTimeout(err) {
			r.res.FailureKind = "Timeout"
		}
		c.logger.Warn("Step failed.", zap.Int("step", index), zap.String("kind", kind), zap.Error(err))
		return r.res, err
	}
	r.res.Status = schemas.StatusPassed
	c.logger.Debug("Step passed.", zap.Int("step", index), zap.String("kind", kind), zap.Duration("duration", r.res.Duration))
	return r.res, nil
}

// Run executes steps in order and stops at the first failure. Steps after it are reported
// as skipped.
func (c *Context) Run(ctx context.Context, steps []schemas.Step) ([]schemas.StepResult, error) {
	results := make([]schemas.StepResult, 0, len(steps))
	for i, step := range steps {
		res, err := c.RunStep(ctx, i+1, step)
		results = append(results, res)
		if err == nil {
			continue
		}
		for j := i + 1; j < len(steps); j++ {
			kind, _ := steps[j].Kind()
			desc := steps[j].Name
			if desc == "" {
				desc = kind
			}
			results = append(results, schemas.StepResult{
				Index:       j + 1,
				Kind:        kind,
				Description: desc,
				Status:      schemas.StatusSkipped,
			})
		}
		return results, fmt.Errorf("step %d (%s): %w", i+1, res.Description, err)
	}
	return results, nil
}

func (c *Context) dispatch(ctx context.Context, kind string, step schemas.Step, r *stepRun) error {
	switch kind {
	case schemas.StepNavigate:
		return c.navigate(ctx, step, r)
	case schemas.StepClick:
		return c.act(ctx, step, *step.Click, interaction.Click(), nil, r)
	case schemas.StepClear:
		return c.act(ctx, step, *step.Clear, interaction.Clear(), nil, r)
	case schemas.StepFill:
		value, err := c.Vars.Resolve(step.Fill.Value)
		if err != nil {
			return err
		}
		var verify *interaction.Verification
		if !step.Fill.NoVerify {
			verify = interaction.ValueEquals(value)
		}
		return c.act(ctx, step, step.Fill.Target, interaction.Fill(value), verify, r)
	case schemas.StepSelect:
		option, err := c.Vars.Resolve(step.Select.Option)
		if err != nil {
			return err
		}
		return c.act(ctx, step, step.Select.Target, interaction.SelectOption(option), nil, r)
	case schemas.StepAwait:
		return c.await(ctx, step, r)
	case schemas.StepExpect:
		return c.expect(ctx, step, r)
	case schemas.StepSet:
		return c.set(step.Set, r)
	case schemas.StepMode:
		mode, err := interaction.ParseMode(step.Mode)
		if err != nil {
			return err
		}
		c.Mode = mode
		if r.res.Description == "" {
			r.res.Description = "mode " + string(mode)
		}
		return nil
	case schemas.StepSleep:
		if r.res.Description == "" {
			r.res.Description = "sleep " + step.Sleep.String()
		}
		return c.Page.Sleep(ctx, step.Sleep)
	}
	return fmt.Errorf("unsupported step kind %q", kind)
}

func (c *Context) timeout(step schemas.Step, fallback time.Duration) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if fallback > 0 {
		return fallback
	}
	return 30 * time.Second
}

func (c *Context) navigate(ctx context.Context, step schemas.Step, r *stepRun) error {
	u, err := c.URL(step.Navigate)
	if err != nil {
		return err
	}
	if r.res.Description == "" {
		r.res.Description = "navigate to " + u
	}

	var armed *interaction.Armed
	if step.WaitFor != nil {
		cond, err := c.Condition(*step.WaitFor)
		if err != nil {
			return err
		}
		if armed, err = c.Engine.Waiter.Arm(cond); err != nil {
			return err
		}
		defer armed.Release()
	}

	if err := c.Page.Navigate(ctx, u); err != nil {
		return fmt.Errorf("navigating to %s: %w", u, err)
	}
	if armed == nil {
		return nil
	}
	return c.soften(step, r, armed.Wait(ctx, c.timeout(step, c.cfg.PostTimeout)))
}

func (c *Context) act(ctx context.Context, step schemas.Step, spec schemas.TargetSpec, action interaction.Action, verify *interaction.Verification, r *stepRun) error {
	target, err := c.Target(spec)
	if err != nil {
		return err
	}
	if r.res.Description == "" {
		r.res.Description = fmt.Sprintf("%s %s", action, target)
	}

	unit := interaction.ActionUnit{
		Target:   target,
		Action:   action,
		Verify:   verify,
		Mode:     c.Mode,
		SoftPost: step.Soft,
	}
	if step.WaitFor != nil {
		if unit.Post, err = c.Condition(*step.WaitFor); err != nil {
			return err
		}
	}
	if step.Timeout > 0 {
		unit.LocateTimeout = step.Timeout
		unit.PostTimeout = step.Timeout
	}

	out, err := c.Engine.Execute(ctx, unit, step.Attempts)
	r.outcome(out)
	return err
}

func (c *Context) await(ctx context.Context, step schemas.Step, r *stepRun) error {
	cond, err := c.Condition(*step.Await)
	if err != nil {
		return err
	}
	if r.res.Description == "" {
		r.res.Description = "await " + cond.Describe()
	}
	return c.soften(step, r, c.Engine.Waiter.Await(ctx, cond, c.timeout(step, c.cfg.DefaultTimeout)))
}

// soften turns a timeout on a soft step into a warning.
func (c *Context) soften(step schemas.Step, r *stepRun, err error) error {
	if err == nil || !step.Soft || !interaction.IsTimeout(err) {
		return err
	}
	r.res.Warnings = append(r.res.Warnings, err.Error())
	c.logger.Warn("Soft wait timed out, continuing.", zap.Error(err))
	return nil
}

func (c *Context) set(values map[string]string, r *stepRun) error {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := c.Vars.Resolve(values[name])
		if err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
		c.Vars.Set(name, v)
	}
	if r.res.Description == "" {
		r.res.Description = "set " + strings.Join(names, ", ")
	}
	return nil
}

// -- Expectations --

// comparison is the resolved form of an expect step.
type comparison struct {
	equals   *string
	contains string
	pred     *predicate
}

func (cmp comparison) describe() string {
	var parts []string
	if cmp.equals != nil {
		parts = append(parts, fmt.Sprintf("equals %q", *cmp.equals))
	}
	if cmp.contains != "" {
		parts = append(parts, fmt.Sprintf("contains %q", cmp.contains))
	}
	if cmp.pred != nil {
		parts = append(parts, "satisfies "+cmp.pred.source)
	}
	return strings.Join(parts, " and ")
}

func (cmp comparison) check(actual string, vars map[string]string) (bool, error) {
	if cmp.equals != nil && actual != *cmp.equals {
		return false, nil
	}
	if cmp.contains != "" && !strings.Contains(actual, cmp.contains) {
		return false, nil
	}
	if cmp.pred != nil {
		return cmp.pred.eval(actual, vars)
	}
	return true, nil
}

func (c *Context) comparison(e *schemas.ExpectSpec) (comparison, error) {
	var cmp comparison
	if e.Equals != nil {
		v, err := c.Vars.Resolve(*e.Equals)
		if err != nil {
			return cmp, err
		}
		cmp.equals = &v
	}
	contains, err := c.Vars.Resolve(e.Contains)
	if err != nil {
		return cmp, err
	}
	cmp.contains = contains
	if e.Expr != "" {
		if cmp.pred, err = compilePredicate(e.Expr); err != nil {
			return cmp, err
		}
	}
	return cmp, nil
}

// expect polls the read value until the comparison holds or the step times out. The
// failure carries the last value read.
func (c *Context) expect(ctx context.Context, step schemas.Step, r *stepRun) error {
	e := step.Expect
	cmp, err := c.comparison(e)
	if err != nil {
		return err
	}
	vars := c.Vars.Snapshot()

	read := e.Read
	if read == "" {
		read = string(interaction.ReadValue)
	}
	label := "page URL"
	var target interaction.Target
	if read != "url" {
		if target, err = c.Target(*e.Target); err != nil {
			return err
		}
		label = fmt.Sprintf("%s of %s", read, target)
	}
	desc := fmt.Sprintf("%s %s", label, cmp.describe())
	if r.res.Description == "" {
		r.res.Description = "expect " + desc
	}

	timeout := c.timeout(step, c.cfg.DefaultTimeout)
	var (
		actual string
		seen   bool
		handle interaction.Handle
	)
	probe := func(ctx context.Context, p interaction.Page) (bool, error) {
		var err error
		if read == "url" {
			actual, err = p.CurrentURL(ctx)
		} else {
			if handle == nil {
				res, rerr := c.Engine.Locator.ResolveInMode(ctx, target, c.Mode, timeout)
				if rerr != nil {
					return false, rerr
				}
				handle = res.Handle
			}
			if read == string(interaction.ReadText) {
				actual, err = handle.TextContent(ctx)
			} else {
				actual, err = handle.InputValue(ctx)
			}
			if errors.Is(err, interaction.ErrStaleHandle) {
				handle = nil
			}
		}
		if err != nil {
			return false, err
		}
		seen = true
		return cmp.check(actual, vars)
	}

	err = c.Engine.Waiter.Await(ctx, interaction.Predicate(desc, probe), timeout)
	if err == nil || !interaction.IsTimeout(err) {
		return err
	}
	f := &interaction.Failure{
		Kind:      interaction.KindVerificationMismatch,
		Target:    label,
		Condition: desc,
		Attempts:  1,
		Expected:  cmp.describe(),
		Err:       err,
	}
	if seen {
		f.Actual = actual
	}
	if step.Soft {
		r.res.Warnings = append(r.res.Warnings, f.Error())
		return nil
	}
	return f
}
