// internal/browser/session/session.go
package session

import (
	"context"

	"github.com/xkilldash9x/tether/internal/interaction"
)

// Session is one isolated browser context with a single page. Every scenario gets its own
// and closes it during teardown.
type Session interface {
	ID() string
	Page() interaction.Page
	Close(ctx context.Context) error
}
