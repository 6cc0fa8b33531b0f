// internal/browser/pw/engine.go
// Package pw implements the interaction engine's page contract with playwright-go.
package pw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
)

const (
	installTimeout       = 5 * time.Minute
	defaultLaunchTimeout = 60 * time.Second
)

// Engine owns the playwright driver and one Chromium instance. Sessions are browser
// contexts.
type Engine struct {
	opts   session.Options
	logger *zap.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

func New(opts session.Options, logger *zap.Logger) *Engine {
	return &Engine{opts: opts, logger: logger.Named("playwright")}
}

func (e *Engine) Name() string { return config.EnginePlaywright }

// Launch installs the driver if needed, starts it and launches Chromium.
func (e *Engine) Launch(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser != nil {
		return nil
	}

	runOpts := &playwright.RunOptions{
		Browsers:            []string{"chromium"},
		SkipInstallBrowsers: e.opts.Browser.ExecPath != "",
	}
	if err := e.ensureInstallation(ctx, runOpts); err != nil {
		return err
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright driver: %w", err)
	}

	browser, err := pw.Chromium.Launch(e.launchOptions())
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("failed to launch browser instance: %w", err)
	}
	pw.Selectors.SetTestIdAttribute(e.opts.TestIDAttribute)

	e.pw = pw
	e.browser = browser
	e.logger.Info("Browser launched.", zap.String("browser_version", browser.Version()))
	return nil
}

func (e *Engine) ensureInstallation(ctx context.Context, runOpts *playwright.RunOptions) error {
	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- playwright.Install(runOpts) }()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
		return nil
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for playwright installation: %w", installCtx.Err())
	}
}

func (e *Engine) launchOptions() playwright.BrowserTypeLaunchOptions {
	timeout := e.opts.Browser.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.opts.Browser.Headless),
		Args:     append([]string{"--disable-dev-shm-usage"}, e.opts.Browser.Args...),
		Timeout:  playwright.Float(float64(timeout.Milliseconds())),
	}
	if e.opts.Browser.ExecPath != "" {
		opts.ExecutablePath = playwright.String(e.opts.Browser.ExecPath)
	}
	if e.opts.ProxyURL != "" {
		opts.Proxy = &playwright.Proxy{Server: e.opts.ProxyURL, Bypass: playwright.String("<-loopback>")}
	}
	return opts
}

// NewSession opens a page in a fresh browser context.
func (e *Engine) NewSession(ctx context.Context) (session.Session, error) {
	e.mu.Lock()
	browser := e.browser
	e.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("browser not launched")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, h := e.opts.Viewport()
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(e.opts.Browser.IgnoreTLSErrors),
		Viewport:          &playwright.Size{Width: w, Height: h},
		ExtraHttpHeaders:  e.opts.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	p, err := newPage(bctx, e.opts, e.logger)
	if err != nil {
		_ = bctx.Close()
		return nil, err
	}
	return p, nil
}

// Close shuts down the browser and the driver.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pw == nil {
		return nil
	}

	var shutdownErr error
	if err := e.browser.Close(); err != nil {
		e.logger.Error("Failed to close browser instance.", zap.Error(err))
		shutdownErr = fmt.Errorf("failed to close browser: %w", err)
	}
	if err := e.pw.Stop(); err != nil {
		e.logger.Error("Failed to stop Playwright driver.", zap.Error(err))
		if shutdownErr == nil {
			shutdownErr = fmt.Errorf("failed to stop playwright driver: %w", err)
		}
	}
	e.pw, e.browser = nil, nil
	return shutdownErr
}
