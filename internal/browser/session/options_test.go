// internal/browser/session/options_test.go
package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/tether/internal/config"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.NetworkCfg.Headers = map[string]string{"X-Run": "1"}
	cfg.InteractionCfg.TestIDAttribute = ""

	opts := OptionsFromConfig(cfg, "http://127.0.0.1:8089")
	assert.Equal(t, "data-testid", opts.TestIDAttribute)
	assert.Equal(t, "http://127.0.0.1:8089", opts.ProxyURL)
	assert.Equal(t, "1", opts.Headers["X-Run"])

	w, h := opts.Viewport()
	assert.Equal(t, 1366, w)
	assert.Equal(t, 768, h)

	opts.Browser.Viewport = map[string]int{"width": 1920}
	w, h = opts.Viewport()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 768, h)
}
