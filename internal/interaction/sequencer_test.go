// internal/interaction/sequencer_test.go
package interaction_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/tether/internal/interaction"
	"github.com/xkilldash9x/tether/internal/interaction/interactiontest"
)

var lastName = interaction.NewTarget("last name field", interaction.Label("Last name"), interaction.Placeholder("Surname"))

// The first fill loses a keystroke while the form re-renders. Verification reads "Smit",
// the unit retries once, and the second attempt reads back "Smith".
func TestExecute_RetriesAfterStaleVerificationRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	page := newPage(t)
	field := page.Add(&interactiontest.Element{
		Label: "Last name",
		FillFilter: func(n int, v string) string {
			if n == 1 {
				return v[:len(v)-1]
			}
			return v
		},
	})
	e := newEngine(t, page, testConfig())

	out, err := e.FillAndVerify(context.Background(), lastName, "Smith")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "Smith", field.Value())
	assert.Equal(t, 2, field.Fills())

	want := []interaction.Phase{
		interaction.PhasePending,
		interaction.PhaseLocating, interaction.PhaseWaitingPre, interaction.PhaseActing, interaction.PhaseVerifying,
		interaction.PhaseRetry,
		interaction.PhaseLocating, interaction.PhaseWaitingPre, interaction.PhaseActing, interaction.PhaseVerifying,
		interaction.PhaseDone,
	}
	if diff := cmp.Diff(want, out.Trace); diff != "" {
		t.Errorf("unexpected state trace (-want +got):\n%s", diff)
	}
}

// The delete call fails server side, so the app never navigates back to the list.
func TestExecute_PostconditionTimeoutNamesTargetAndCondition(t *testing.T) {
	page := newPage(t)
	confirm := page.Add(&interactiontest.Element{TestID: "confirm-delete", Role: "button", Name: "Delete"})
	confirm.OnClick = func() {
		page.Respond(interaction.ResponseEvent{URL: "http://app.test/api/plots/42", Method: "DELETE", Status: 500})
	}
	e := newEngine(t, page, testConfig())

	unit := interaction.ActionUnit{
		Target:      interaction.NewTarget("delete confirm button", interaction.TestID("confirm-delete")),
		Action:      interaction.Click(),
		Post:        interaction.MustURLMatches("**/list"),
		PostTimeout: 400 * time.Millisecond,
	}
	out, err := e.Execute(context.Background(), unit, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, interaction.ErrPostconditionTimeout)

	f, ok := interaction.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, interaction.KindPostconditionTimeout, f.Kind)
	assert.Equal(t, "delete confirm button", f.Target)
	assert.Equal(t, "URL matches **/list", f.Condition)
	assert.Equal(t, 1, f.Attempts)
	assert.True(t, interaction.IsTimeout(err))
	assert.Contains(t, err.Error(), `target "delete confirm button"`)
	assert.Contains(t, err.Error(), `condition "URL matches **/list"`)

	assert.Equal(t, 1, confirm.Clicks(), "post-condition timeouts are not retried")
	assert.Equal(t, interaction.PhaseFailed, out.Trace[len(out.Trace)-1])
	assert.Zero(t, page.NavigationSubscribers())
}

func TestExecute_PreconditionTimeoutSurfacesImmediately(t *testing.T) {
	page := newPage(t)
	save := page.Add((&interactiontest.Element{TestID: "save"}).Disabled())
	e := newEngine(t, page, testConfig())

	_, err := e.Execute(context.Background(), interaction.ActionUnit{
		Target:     interaction.NewTarget("save button", interaction.TestID("save")),
		Action:     interaction.Click(),
		PreTimeout: 200 * time.Millisecond,
	}, 3)

	f, ok := interaction.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, interaction.KindPreconditionTimeout, f.Kind)
	assert.Equal(t, 1, f.Attempts)
	assert.Contains(t, f.Condition, "save button is enabled")
	assert.Zero(t, save.Clicks())
}

// rerenderingPage hands out a handle that detaches right after the locator has seen it
// visible, the way a framework re-render swaps the node under a located element.
type rerenderingPage struct {
	*interactiontest.Page
	once sync.Once
}

func (p *rerenderingPage) FindCandidates(ctx context.Context, s interaction.Strategy) ([]interaction.Handle, error) {
	cands, err := p.Page.FindCandidates(ctx, s)
	if err != nil || len(cands) == 0 {
		return cands, err
	}
	p.once.Do(func() { cands[0] = &rerenderedHandle{Handle: cands[0]} })
	return cands, nil
}

type rerenderedHandle struct {
	interaction.Handle
	stale atomic.Bool
}

func (h *rerenderedHandle) IsVisible(ctx context.Context) (bool, error) {
	if h.stale.Swap(true) {
		return false, interaction.ErrStaleHandle
	}
	return h.Handle.IsVisible(ctx)
}

func (h *rerenderedHandle) IsAttached(ctx context.Context) (bool, error) {
	if h.stale.Load() {
		return false, interaction.ErrStaleHandle
	}
	return h.Handle.IsAttached(ctx)
}

func (h *rerenderedHandle) IsEnabled(ctx context.Context) (bool, error) {
	if h.stale.Load() {
		return false, interaction.ErrStaleHandle
	}
	return h.Handle.IsEnabled(ctx)
}

func (h *rerenderedHandle) Click(ctx context.Context) error {
	if h.stale.Load() {
		return interaction.ErrStaleHandle
	}
	return h.Handle.Click(ctx)
}

func TestExecute_RelocatesHandleDetachedBeforeActing(t *testing.T) {
	defer goleak.VerifyNone(t)

	base := newPage(t)
	save := base.Add(&interactiontest.Element{TestID: "save", Role: "button", Name: "Save"})
	cfg := testConfig()
	e := newEngine(t, &rerenderingPage{Page: base}, cfg)

	start := time.Now()
	out, err := e.Execute(context.Background(), interaction.ActionUnit{
		Target: interaction.NewTarget("save button", interaction.TestID("save")),
		Action: interaction.Click(),
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, save.Clicks())
	assert.Less(t, time.Since(start), cfg.PreTimeout, "a detached handle ends the readiness wait early")

	want := []interaction.Phase{
		interaction.PhasePending,
		interaction.PhaseLocating, interaction.PhaseWaitingPre,
		interaction.PhaseRetry,
		interaction.PhaseLocating, interaction.PhaseWaitingPre, interaction.PhaseActing,
		interaction.PhaseDone,
	}
	if diff := cmp.Diff(want, out.Trace); diff != "" {
		t.Errorf("unexpected state trace (-want +got):\n%s", diff)
	}
}

func TestExecute_WaitsForEnablementBeforeActing(t *testing.T) {
	page := newPage(t)
	search := &interactiontest.Element{Role: "button", Name: "Advanced search"}
	search.OnClick = func() { page.SetURL("http://app.test/search/results") }
	page.Add(search.Disabled())
	page.After(150*time.Millisecond, func() { search.SetEnabled(true) })
	e := newEngine(t, page, testConfig())

	out, err := e.ClickAndWaitForURL(context.Background(), interaction.NewTarget("advanced search", interaction.Role("button", "Advanced search")), "**/search/results")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, search.Clicks())
}

func TestExecute_DispatchFailureIsRetried(t *testing.T) {
	page := newPage(t)
	btn := page.Add(&interactiontest.Element{TestID: "next", ClickErrs: []error{interaction.ErrStaleHandle}})
	e := newEngine(t, page, testConfig())

	out, err := e.Execute(context.Background(), interaction.ActionUnit{
		Target: interaction.NewTarget("next button", interaction.TestID("next")),
		Action: interaction.Click(),
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, btn.Clicks())
}

func TestExecute_DispatchFailureExhaustsAttempts(t *testing.T) {
	page := newPage(t)
	boom := errors.New("click intercepted")
	page.Add(&interactiontest.Element{TestID: "next", ClickErrs: []error{boom, boom, boom}})
	e := newEngine(t, page, testConfig())

	_, err := e.Execute(context.Background(), interaction.ActionUnit{
		Target: interaction.NewTarget("next button", interaction.TestID("next")),
		Action: interaction.Click(),
	}, 3)
	assert.ErrorIs(t, err, interaction.ErrActionDispatchFailure)
	assert.ErrorIs(t, err, boom)
	f, _ := interaction.AsFailure(err)
	require.NotNil(t, f)
	assert.Equal(t, 3, f.Attempts)
}

// A persistent mismatch is retried once, not up to the attempt budget.
func TestExecute_MismatchRetriedAtMostOnce(t *testing.T) {
	page := newPage(t)
	field := page.Add(&interactiontest.Element{
		Label:      "Last name",
		FillFilter: func(int, string) string { return "x" },
	})
	e := newEngine(t, page, testConfig())

	_, err := e.Execute(context.Background(), interaction.ActionUnit{
		Target: lastName,
		Action: interaction.Fill("Smith"),
		Verify: interaction.ValueEquals("Smith"),
	}, 5)

	f, ok := interaction.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, interaction.KindVerificationMismatch, f.Kind)
	assert.Equal(t, 2, f.Attempts)
	assert.Equal(t, "Smith", f.Expected)
	assert.Equal(t, "x", f.Actual)
	assert.Equal(t, 2, field.Fills())
	assert.Contains(t, err.Error(), `expected "Smith", actual "x"`)
}

func TestExecute_LocatorRetriesAreBounded(t *testing.T) {
	page := newPage(t)
	cfg := testConfig()
	cfg.LocateTimeout = 60 * time.Millisecond
	cfg.StrategyTimeout = 30 * time.Millisecond
	e := newEngine(t, page, cfg)

	unit := interaction.ActionUnit{Target: interaction.NewTarget("ghost", interaction.TestID("ghost")), Action: interaction.Click()}

	out, err := e.Execute(context.Background(), unit, 2)
	assert.ErrorIs(t, err, interaction.ErrLocatorExhausted)
	assert.Equal(t, 2, out.Attempts)

	out, err = e.Execute(context.Background(), unit, 0)
	assert.ErrorIs(t, err, interaction.ErrLocatorExhausted)
	assert.Equal(t, cfg.MaxAttempts, out.Attempts, "non-positive budgets use the configured default")
}

func TestExecute_GuardSkipsAction(t *testing.T) {
	page := newPage(t)
	field := page.Add((&interactiontest.Element{Label: "Last name"}).WithValue("Smith"))
	e := newEngine(t, page, testConfig())

	out, err := e.Execute(context.Background(), interaction.ActionUnit{
		Target: lastName,
		Action: interaction.Fill("Smith"),
		Guard:  interaction.ValueEquals("Smith"),
	}, 0)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Zero(t, field.Fills())
}

func TestExecute_SoftPostconditionWarns(t *testing.T) {
	page := newPage(t)
	page.Add(&interactiontest.Element{TestID: "save"})

	unit := interaction.ActionUnit{
		Target:      interaction.NewTarget("save button", interaction.TestID("save")),
		Action:      interaction.Click(),
		Post:        interaction.MustURLMatches("**/saved"),
		PostTimeout: 150 * time.Millisecond,
	}

	t.Run("per unit", func(t *testing.T) {
		e := newEngine(t, page, testConfig())
		soft := unit
		soft.SoftPost = true
		out, err := e.Execute(context.Background(), soft, 0)
		require.NoError(t, err)
		require.Len(t, out.Warnings, 1)
		assert.Contains(t, out.Warnings[0], "URL matches **/saved")
	})

	t.Run("via config", func(t *testing.T) {
		cfg := testConfig()
		cfg.SoftPostconditions = true
		out, err := newEngine(t, page, cfg).Execute(context.Background(), unit, 0)
		require.NoError(t, err)
		assert.Len(t, out.Warnings, 1)
	})

	t.Run("hard by default", func(t *testing.T) {
		_, err := newEngine(t, page, testConfig()).Execute(context.Background(), unit, 0)
		assert.ErrorIs(t, err, interaction.ErrPostconditionTimeout)
	})
}

func TestExecute_ScenarioDeadlineAbortsUnit(t *testing.T) {
	page := newPage(t)
	page.Add((&interactiontest.Element{TestID: "save"}).Disabled())
	e := newEngine(t, page, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, interaction.ActionUnit{
		Target:     interaction.NewTarget("save button", interaction.TestID("save")),
		Action:     interaction.Click(),
		PreTimeout: 5 * time.Second,
	}, 3)
	require.Error(t, err)
	_, isFailure := interaction.AsFailure(err)
	assert.False(t, isFailure, "an aborted scenario is not an application failure")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// The response subscription must exist before the select fires the request.
func TestSelectOptionAndWaitForNetwork(t *testing.T) {
	defer goleak.VerifyNone(t)

	page := newPage(t)
	cemetery := page.Add(&interactiontest.Element{Role: "combobox", Name: "Cemetery"})
	cemetery.OnSelect = func(v string) {
		page.Respond(interaction.ResponseEvent{URL: "http://app.test/api/sections?cemetery=" + v, Method: "GET", Status: 200})
	}
	e := newEngine(t, page, testConfig())

	out, err := e.SelectOptionAndWaitForNetwork(context.Background(),
		interaction.NewTarget("cemetery dropdown", interaction.Role("combobox", "Cemetery")),
		"Astana Tegal Gundul",
		interaction.ResponseMatch{URLContains: "/api/sections", Status: interaction.StatusCode(200)},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "Astana Tegal Gundul", cemetery.Value())
	assert.Zero(t, page.ResponseSubscribers())
}

func TestClickAndWaitForResponse(t *testing.T) {
	page := newPage(t)
	save := page.Add(&interactiontest.Element{TestID: "save"})
	save.OnClick = func() {
		page.Respond(interaction.ResponseEvent{URL: "http://app.test/api/persons", Method: "POST", Status: 201})
	}
	e := newEngine(t, page, testConfig())

	_, err := e.ClickAndWaitForResponse(context.Background(), interaction.NewTarget("save", interaction.TestID("save")),
		interaction.ResponseMatch{URLContains: "/api/persons", Method: "post", Status: interaction.StatusClass(2)})
	require.NoError(t, err)
}

// Filling twice leaves exactly the requested value, whatever was there before.
func TestFillIsIdempotentProperty(t *testing.T) {
	cfg := testConfig()
	rapid.Check(t, func(rt *rapid.T) {
		initial := rapid.String().Draw(rt, "initial")
		value := rapid.String().Draw(rt, "value")

		page := interactiontest.NewPage("http://app.test/")
		defer page.Close()
		field := page.Add((&interactiontest.Element{Label: "Last name"}).WithValue(initial))
		e := interaction.New(page, cfg, zap.NewNop(), nil)

		for i := 0; i < 2; i++ {
			if _, err := e.FillAndVerify(context.Background(), lastName, value); err != nil {
				rt.Fatalf("fill %d: %v", i+1, err)
			}
		}
		if got := field.Value(); got != value {
			rt.Fatalf("value %q after two fills of %q", got, value)
		}
	})
}

func TestVerificationDescribe(t *testing.T) {
	assert.Equal(t, `value equals "Smith"`, interaction.ValueEquals("Smith").Describe())
	assert.Equal(t, `text contains "Saved"`, interaction.TextContains("Saved").Describe())
	assert.Equal(t, `fill "Smith"`, interaction.Fill("Smith").String())
	assert.Equal(t, "click", interaction.Click().String())
}
