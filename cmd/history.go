// cmd/history.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/observability"
	"github.com/xkilldash9x/tether/internal/store"
)

// historyStore is the read side of the run history.
type historyStore interface {
	RecentRuns(ctx context.Context, suite string, limit int) ([]schemas.RunReport, error)
	ScenarioHistory(ctx context.Context, suite, name string, limit int) ([]store.ScenarioRun, error)
}

// storeProvider creates the history store. Tests inject a mock instead of a database.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing its resources.
	Create(ctx context.Context, cfg config.Interface) (historyStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the PostgreSQL backed provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (historyStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (TETHER_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	return st, pool.Close, nil
}

func newHistoryCmd(provider storeProvider) *cobra.Command {
	var suite, scenarioName string
	var limit int

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs of a suite, or the outcomes of one scenario",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			st, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if cleanup != nil {
				defer cleanup()
			}

			if scenarioName != "" {
				runs, err := st.ScenarioHistory(ctx, suite, scenarioName, limit)
				if err != nil {
					return err
				}
				printScenarioHistory(cmd.OutOrStdout(), scenarioName, runs)
				return nil
			}
			runs, err := st.RecentRuns(ctx, suite, limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	historyCmd.Flags().StringVarP(&suite, "suite", "s", "", "Suite name (required)")
	_ = historyCmd.MarkFlagRequired("suite")
	historyCmd.Flags().StringVar(&scenarioName, "scenario", "", "Show the outcomes of this scenario instead of whole runs.")
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of rows.")
	return historyCmd
}

func printRuns(w io.Writer, runs []schemas.RunReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tENGINE\tPASSED\tFAILED\tSKIPPED\tERRORED\tDURATION")
	for _, r := range runs {
		s := r.Summary
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), r.Engine,
			s.Passed, s.Failed, s.Skipped, s.Errored,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	tw.Flush()
}

func printScenarioHistory(w io.Writer, name string, runs []store.ScenarioRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tKIND\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.StartedAt.Format(time.RFC3339), r.Status, r.FailureKind, r.Duration.Round(time.Millisecond))
	}
	tw.Flush()
	fmt.Fprintf(w, "%s: %.0f%% failing over %d runs\n", name, store.FlakeRate(runs)*100, len(runs))
}
