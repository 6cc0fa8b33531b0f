// internal/browser/cdp/engine.go
// Package cdp drives Chrome over the DevTools protocol with chromedp. Each session is a
// fresh browser context in a shared browser process.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
)

const defaultLaunchTimeout = 30 * time.Second

// Engine owns the browser process.
type Engine struct {
	opts   session.Options
	logger *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// Browser context creation is serialized; Chrome misbehaves when targets are created
	// concurrently in fresh contexts.
	createMu sync.Mutex
}

// New returns an engine that has not launched a browser yet.
func New(opts session.Options, logger *zap.Logger) *Engine {
	return &Engine{
		opts:   opts,
		logger: logger.Named("cdp"),
	}
}

func (e *Engine) Name() string { return config.EngineChromedp }

// Launch starts the browser process and connects to it.
func (e *Engine) Launch(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browserCtx != nil {
		return nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(e.opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(e.logger.Sugar().Debugf),
		chromedp.WithErrorf(e.logger.Sugar().Warnf),
	)

	timeout := e.opts.Browser.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	// The first Run allocates the browser and binds its lifetime to browserCtx, so it must
	// not run on a derived context with its own deadline.
	if err := runBounded(ctx, browserCtx, timeout); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("failed to launch chrome: %w", err)
	}

	e.allocCancel = allocCancel
	e.browserCtx = browserCtx
	e.browserCancel = browserCancel
	e.logger.Info("Browser launched.", zap.Bool("headless", e.opts.Browser.Headless), zap.String("proxy", e.opts.ProxyURL))
	return nil
}

// NewSession opens a page in a new, isolated browser context.
func (e *Engine) NewSession(ctx context.Context) (session.Session, error) {
	e.mu.Lock()
	browserCtx := e.browserCtx
	e.mu.Unlock()
	if browserCtx == nil {
		return nil, fmt.Errorf("browser not launched")
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before creating browser context: %w", err)
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	p := newPage(tabCtx, cancel, e.opts, e.logger)
	if err := p.start(ctx); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

// Close terminates the browser process.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browserCtx == nil {
		return nil
	}

	err := chromedp.Cancel(e.browserCtx)
	e.browserCancel()
	e.allocCancel()
	e.browserCtx = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close chrome: %w", err)
	}
	return nil
}

// runBounded runs an empty action list on target, which allocates it, and gives up after
// timeout or when ctx ends.
func runBounded(ctx, target context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(target, actions...) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllocatorOptions builds the exec allocator options for the given engine options.
func AllocatorOptions(opts session.Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if opts.Browser.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.Browser.ExecPath))
	}
	w, h := opts.Viewport()
	out = append(out, chromedp.WindowSize(w, h))
	if opts.ProxyURL != "" {
		out = append(out, chromedp.ProxyServer(opts.ProxyURL))
	}

	flags := launchFlags(opts)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, chromedp.Flag(name, flags[name]))
	}
	return out
}

// launchFlags returns the command line switches applied on top of chromedp's defaults.
// A false value removes a default switch.
func launchFlags(opts session.Options) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                 opts.Browser.Headless,
		"disable-dev-shm-usage":    true,
		"disable-gpu":              opts.Browser.Headless,
		"enable-automation":        true,
		"no-first-run":             true,
		"no-default-browser-check": true,
	}
	if opts.Browser.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if opts.ProxyURL != "" {
		// Chrome bypasses proxies for loopback unless told otherwise.
		flags["proxy-bypass-list"] = "<-loopback>"
	}
	for _, arg := range opts.Browser.Args {
		name, value := parseSwitch(arg)
		if name != "" {
			flags[name] = value
		}
	}
	return flags
}

// parseSwitch splits "--name=value" into its parts. A bare "--name" is a boolean switch.
func parseSwitch(arg string) (string, interface{}) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil
	}
	name, value, ok := strings.Cut(arg, "=")
	if !ok {
		return name, true
	}
	switch value {
	case "true":
		return name, true
	case "false":
		return name, false
	}
	return name, value
}
