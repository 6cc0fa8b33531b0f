// internal/browser/cdp/engine_test.go
package cdp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tether/internal/browser/browsertest"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
)

func TestLaunchFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		flags := launchFlags(session.Options{Browser: config.BrowserConfig{Headless: true}})
		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, true, flags["disable-gpu"])
		assert.NotContains(t, flags, "ignore-certificate-errors")
		assert.NotContains(t, flags, "proxy-bypass-list")
	})

	t.Run("headed", func(t *testing.T) {
		flags := launchFlags(session.Options{})
		assert.Equal(t, false, flags["headless"])
	})

	t.Run("tls and proxy", func(t *testing.T) {
		flags := launchFlags(session.Options{
			Browser:  config.BrowserConfig{IgnoreTLSErrors: true},
			ProxyURL: "http://127.0.0.1:9999",
		})
		assert.Equal(t, true, flags["ignore-certificate-errors"])
		assert.Equal(t, true, flags["allow-insecure-localhost"])
		assert.Equal(t, "<-loopback>", flags["proxy-bypass-list"])
	})

	t.Run("custom args override", func(t *testing.T) {
		flags := launchFlags(session.Options{Browser: config.BrowserConfig{
			Headless: true,
			Args:     []string{"--lang=de-DE", "--mute-audio", "--disable-gpu=false", "  ", "--"},
		}})
		assert.Equal(t, "de-DE", flags["lang"])
		assert.Equal(t, true, flags["mute-audio"])
		assert.Equal(t, false, flags["disable-gpu"])
		assert.NotContains(t, flags, "")
	})
}

func TestAllocatorOptions(t *testing.T) {
	base := AllocatorOptions(session.Options{Browser: config.BrowserConfig{Headless: true}})
	withProxy := AllocatorOptions(session.Options{
		Browser:  config.BrowserConfig{Headless: true, ExecPath: "/usr/bin/chromium"},
		ProxyURL: "http://127.0.0.1:1",
	})
	// Exec path, proxy server and the bypass flag.
	assert.Len(t, withProxy, len(base)+3)
}

func TestEngine_Conformance(t *testing.T) {
	bin := browsertest.RequireChrome(t)
	app := browsertest.NewApp(t)

	eng := New(session.Options{
		Browser:         config.BrowserConfig{Headless: true, ExecPath: bin, LaunchTimeout: time.Minute},
		TestIDAttribute: "data-testid",
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, eng.Launch(ctx))
	defer func() { assert.NoError(t, eng.Close()) }()

	browsertest.Conformance(t, app, eng.NewSession)
}

func TestEngine_NewSessionBeforeLaunch(t *testing.T) {
	eng := New(session.Options{}, zaptest.NewLogger(t))
	_, err := eng.NewSession(context.Background())
	assert.Error(t, err)
	assert.NoError(t, eng.Close())
}
