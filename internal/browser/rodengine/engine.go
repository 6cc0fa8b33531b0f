// internal/browser/rodengine/engine.go
// Package rodengine implements the interaction engine's page contract with go-rod.
// Every session is an incognito browser on a shared Chrome process.
package rodengine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
)

const defaultLaunchTimeout = 30 * time.Second

type Engine struct {
	opts   session.Options
	logger *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

func New(opts session.Options, logger *zap.Logger) *Engine {
	return &Engine{opts: opts, logger: logger.Named("rod")}
}

func (e *Engine) Name() string { return config.EngineRod }

// newLauncher translates the engine options into a rod launcher.
func (e *Engine) newLauncher() *launcher.Launcher {
	bin := e.opts.Browser.ExecPath
	if bin == "" {
		bin, _ = launcher.LookPath()
	}
	l := launcher.New().Headless(e.opts.Browser.Headless).Set("disable-dev-shm-usage")
	if bin != "" {
		l = l.Bin(bin)
	}
	w, h := e.opts.Viewport()
	l = l.Set("window-size", fmt.Sprintf("%d,%d", w, h))
	if e.opts.Browser.IgnoreTLSErrors {
		l = l.Set("ignore-certificate-errors").Set("allow-insecure-localhost")
	}
	if e.opts.ProxyURL != "" {
		l = l.Proxy(e.opts.ProxyURL).Set("proxy-bypass-list", "<-loopback>")
	}

	extra := parseArgs(e.opts.Browser.Args)
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if extra[name] == nil {
			l = l.Set(flags.Flag(name))
		} else {
			l = l.Set(flags.Flag(name), extra[name]...)
		}
	}
	return l
}

// parseArgs maps "--name=a,b" to {name: [a b]} and "--name" to {name: nil}.
func parseArgs(args []string) map[string][]string {
	out := make(map[string][]string, len(args))
	for _, arg := range args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			out[name] = nil
			continue
		}
		out[name] = strings.Split(value, ",")
	}
	return out
}

func (e *Engine) Launch(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser != nil {
		return nil
	}

	timeout := e.opts.Browser.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	l := e.newLauncher()
	type launched struct {
		url string
		err error
	}
	done := make(chan launched, 1)
	go func() {
		u, err := l.Launch()
		done <- launched{u, err}
	}()

	var u string
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("failed to launch chrome: %w", r.err)
		}
		u = r.url
	case <-timer.C:
		l.Kill()
		return fmt.Errorf("failed to launch chrome: timed out after %s", timeout)
	case <-ctx.Done():
		l.Kill()
		return ctx.Err()
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}

	e.launcher = l
	e.browser = browser
	e.logger.Info("Browser launched.", zap.String("control_url", u))
	return nil
}

func (e *Engine) NewSession(ctx context.Context) (session.Session, error) {
	e.mu.Lock()
	browser := e.browser
	e.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("browser not launched")
	}

	incognito, err := browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create incognito browser: %w", err)
	}
	// Strip the setup context so the session outlives this call.
	incognito = incognito.Context(context.Background())

	p, err := newPage(ctx, incognito, e.opts, e.logger)
	if err != nil {
		_ = incognito.Close()
		return nil, err
	}
	return p, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser == nil {
		return nil
	}
	err := e.browser.Close()
	e.launcher.Kill()
	e.launcher.Cleanup()
	e.browser, e.launcher = nil, nil
	if err != nil {
		return fmt.Errorf("failed to close chrome: %w", err)
	}
	return nil
}
