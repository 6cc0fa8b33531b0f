// internal/interaction/helpers_test.go
package interaction_test

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/interaction"
	"github.com/xkilldash9x/tether/internal/interaction/interactiontest"
)

// testConfig keeps every budget short so failure paths finish quickly.
func testConfig() config.InteractionConfig {
	return config.InteractionConfig{
		PollInterval:    100 * time.Millisecond,
		MinProbeGap:     10 * time.Millisecond,
		DefaultTimeout:  2 * time.Second,
		LocateTimeout:   2 * time.Second,
		StrategyTimeout: 300 * time.Millisecond,
		PreTimeout:      time.Second,
		PostTimeout:     time.Second,
		MaxAttempts:     3,
		RetryBackoff:    10 * time.Millisecond,
	}
}

func newPage(t *testing.T) *interactiontest.Page {
	t.Helper()
	p := interactiontest.NewPage("http://app.test/plots")
	t.Cleanup(p.Close)
	return p
}

func newEngine(t *testing.T, page interaction.Page, cfg config.InteractionConfig) *interaction.Engine {
	t.Helper()
	return interaction.New(page, cfg, zaptest.NewLogger(t), nil)
}

func newEngineWithLogger(page interaction.Page, cfg config.InteractionConfig, logger *zap.Logger) *interaction.Engine {
	return interaction.New(page, cfg, logger, nil)
}
