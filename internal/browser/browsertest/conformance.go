// internal/browser/browsertest/conformance.go
package browsertest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/interaction"
)

// InteractionConfig is tuned for a local app: short budgets, fast polling.
func InteractionConfig() config.InteractionConfig {
	return config.InteractionConfig{
		PollInterval:    100 * time.Millisecond,
		MinProbeGap:     20 * time.Millisecond,
		DefaultTimeout:  5 * time.Second,
		LocateTimeout:   5 * time.Second,
		StrategyTimeout: 500 * time.Millisecond,
		PreTimeout:      5 * time.Second,
		PostTimeout:     3 * time.Second,
		MaxAttempts:     3,
		RetryBackoff:    100 * time.Millisecond,
		TestIDAttribute: "data-testid",
	}
}

// Conformance runs the add, select, save and delete flow against app through one session
// and checks every engine honors the Page and Handle contracts the same way.
func Conformance(t *testing.T, app *App, open func(ctx context.Context) (session.Session, error)) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sess, err := open(ctx)
	require.NoError(t, err)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		assert.NoError(t, sess.Close(closeCtx))
	}()

	page := sess.Page()
	e := interaction.New(page, InteractionConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, page.Navigate(ctx, app.URL+"/person/add"))

	url, err := page.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, app.URL+"/person/add", url)

	t.Run("strategies", func(t *testing.T) {
		for _, s := range []interaction.Strategy{
			interaction.CSS("#surname"),
			interaction.Label("Surname"),
			interaction.Placeholder("last name"),
			interaction.Role("button", "Save"),
			interaction.Role("combobox", "Kind"),
			interaction.Text("Add person").Exactly(),
		} {
			found, err := page.FindCandidates(ctx, s)
			require.NoError(t, err, s.String())
			assert.Len(t, found, 1, s.String())
		}
		none, err := page.FindCandidates(ctx, interaction.TestID("missing"))
		require.NoError(t, err)
		assert.Empty(t, none)

		_, err = page.FindCandidates(ctx, interaction.CSS("#["))
		assert.Error(t, err)
	})

	surname := interaction.NewTarget("surname field", interaction.TestID("surname"), interaction.Label("Surname"))
	kind := interaction.NewTarget("person kind", interaction.Label("Kind"))
	save := interaction.NewTarget("save button", interaction.TestID("save"), interaction.Role("button", "Save"))

	out, err := e.FillAndVerify(ctx, surname, "Smith")
	require.NoError(t, err)
	assert.Equal(t, interaction.ByLabel, out.Strategy.Kind)

	// A second fill replaces rather than appends.
	_, err = e.FillAndVerify(ctx, surname, "Smith")
	require.NoError(t, err)

	_, err = e.SelectOptionAndWaitForNetwork(ctx, kind, "Owner", interaction.ResponseMatch{URLContains: "/api/person/kinds", Status: interaction.StatusCode(200)})
	require.NoError(t, err)

	_, err = e.ClickAndWaitForURL(ctx, save, "**/list")
	require.NoError(t, err)
	assert.Equal(t, []string{"Smith"}, app.People())

	row := interaction.NewTarget("first delete button", interaction.TestID("delete-0"))
	confirm := interaction.NewTarget("delete confirm button", interaction.TestID("delete-confirm"), interaction.Role("button", "Confirm"))

	_, err = e.Execute(ctx, interaction.ActionUnit{
		Target: row,
		Action: interaction.Click(),
		Post:   interaction.ElementIs(confirm, interaction.StateVisible),
	}, 0)
	require.NoError(t, err)

	app.FailDeletes(http.StatusInternalServerError)
	_, err = e.Execute(ctx, interaction.ActionUnit{
		Target:      confirm,
		Action:      interaction.Click(),
		Post:        interaction.MustURLMatches("**/list?deleted=*"),
		PostTimeout: 1500 * time.Millisecond,
	}, 1)
	require.ErrorIs(t, err, interaction.ErrPostconditionTimeout)
	f, ok := interaction.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "delete confirm button", f.Target)

	app.FailDeletes(http.StatusOK)
	_, err = e.Execute(ctx, interaction.ActionUnit{
		Target: confirm,
		Action: interaction.Click(),
		Post: interaction.All(
			interaction.Response(interaction.ResponseMatch{URLContains: "/api/delete/", Method: http.MethodPost, Status: interaction.StatusCode(200)}),
			interaction.MustURLMatches("**/list?deleted=*"),
		),
	}, 0)
	require.NoError(t, err)
	assert.Empty(t, app.People())
}
