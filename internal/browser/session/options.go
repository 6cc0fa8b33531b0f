// internal/browser/session/options.go
package session

import (
	"github.com/xkilldash9x/tether/internal/config"
)

const (
	defaultViewportWidth  = 1366
	defaultViewportHeight = 768
)

// Options is what every engine needs to launch a browser and open sessions.
type Options struct {
	Browser         config.BrowserConfig
	TestIDAttribute string
	Headers         map[string]string

	// ProxyURL routes all browser traffic through a proxy, e.g. the fault injection proxy.
	ProxyURL string
}

// OptionsFromConfig collects engine options from the loaded configuration.
func OptionsFromConfig(cfg config.Interface, proxyURL string) Options {
	attr := cfg.Interaction().TestIDAttribute
	if attr == "" {
		attr = "data-testid"
	}
	return Options{
		Browser:         cfg.Browser(),
		TestIDAttribute: attr,
		Headers:         cfg.Network().Headers,
		ProxyURL:        proxyURL,
	}
}

// Viewport returns the configured viewport, falling back to 1366x768.
func (o Options) Viewport() (width, height int) {
	width, height = o.Browser.Viewport["width"], o.Browser.Viewport["height"]
	if width <= 0 {
		width = defaultViewportWidth
	}
	if height <= 0 {
		height = defaultViewportHeight
	}
	return width, height
}
