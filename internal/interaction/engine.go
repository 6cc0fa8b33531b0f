// internal/interaction/engine.go
package interaction

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/config"
)

// Engine bundles the waiter, locator and sequencer for one page. It is created per
// scenario and discarded with it.
type Engine struct {
	*Sequencer
	Waiter  *Waiter
	Locator *Locator
}

// New wires the three components over page.
func New(page Page, cfg config.InteractionConfig, logger *zap.Logger, recorder Recorder) *Engine {
	w := NewWaiter(page, cfg, logger, recorder)
	l := NewLocator(w, cfg, logger, recorder)
	return &Engine{
		Sequencer: NewSequencer(w, l, cfg, logger, recorder),
		Waiter:    w,
		Locator:   l,
	}
}
