// internal/browser/pw/page.go
package pw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/jsquery"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/interaction"
)

const defaultNavigationTimeout = 30 * time.Second

// Page wraps one playwright page and its browser context.
type Page struct {
	id     string
	bctx   playwright.BrowserContext
	page   playwright.Page
	opts   session.Options
	logger *zap.Logger

	responses *interaction.Hub[interaction.ResponseEvent]
	dom       *interaction.Hub[interaction.DOMChange]
	navs      *interaction.Hub[string]
	inflight  atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
}

var (
	_ interaction.Page             = (*Page)(nil)
	_ interaction.Notifier         = (*Page)(nil)
	_ interaction.ActivityReporter = (*Page)(nil)
	_ session.Session              = (*Page)(nil)
)

func newPage(bctx playwright.BrowserContext, opts session.Options, logger *zap.Logger) (*Page, error) {
	id := uuid.New().String()
	p := &Page{
		id:        id,
		bctx:      bctx,
		opts:      opts,
		logger:    logger.With(zap.String("session_id", id)),
		responses: interaction.NewHub[interaction.ResponseEvent](),
		dom:       interaction.NewHub[interaction.DOMChange](),
		navs:      interaction.NewHub[string](),
	}

	pg, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	p.page = pg

	if err := pg.ExposeFunction(jsquery.DOMBinding, func(args ...interface{}) interface{} {
		p.dom.Publish(interaction.DOMChange{At: time.Now()})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to expose DOM change binding: %w", err)
	}
	if err := pg.AddInitScript(playwright.Script{Content: playwright.String(jsquery.Observer)}); err != nil {
		return nil, fmt.Errorf("failed to install DOM observer: %w", err)
	}

	pg.OnRequest(func(playwright.Request) { p.inflight.Add(1) })
	pg.OnRequestFinished(func(playwright.Request) { p.inflight.Add(-1) })
	pg.OnRequestFailed(func(playwright.Request) { p.inflight.Add(-1) })
	pg.OnResponse(p.onResponse)
	pg.OnFrameNavigated(func(f playwright.Frame) {
		if f.ParentFrame() != nil {
			return
		}
		p.navs.Publish(f.URL())
		p.dom.Publish(interaction.DOMChange{At: time.Now()})
	})

	p.logger.Debug("Session initialized.")
	return p, nil
}

func (p *Page) onResponse(r playwright.Response) {
	p.responses.Publish(interaction.ResponseEvent{
		URL:    r.URL(),
		Method: r.Request().Method(),
		Status: r.Status(),
		FetchBody: func(ctx context.Context) ([]byte, error) {
			return await(ctx, r.Body)
		},
	})
}

func (p *Page) ID() string { return p.id }

func (p *Page) Page() interaction.Page { return p }

// await runs a blocking playwright call and stops waiting when ctx ends. Playwright calls
// are not context aware; each is also bounded by its own timeout option.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, mapStale(err)}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func awaitErr(ctx context.Context, fn func() error) error {
	_, err := await(ctx, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// timeoutMS converts the remaining budget of ctx into a playwright timeout.
func timeoutMS(ctx context.Context, fallback time.Duration) *float64 {
	d := fallback
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func mapStale(err error) error {
	if err == nil {
		return nil
	}
	if interaction.IsStaleMessage(err.Error()) {
		return fmt.Errorf("%w: %v", interaction.ErrStaleHandle, err)
	}
	return err
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	timeout := p.opts.Browser.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := await(navCtx, func() (playwright.Response, error) {
		return p.page.Goto(url, playwright.PageGotoOptions{
			Timeout:   timeoutMS(navCtx, timeout),
			WaitUntil: playwright.WaitUntilStateLoad,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.URL(), nil
}

func (p *Page) locator(s interaction.Strategy) (playwright.Locator, error) {
	exact := playwright.Bool(s.Exact)
	switch s.Kind {
	case interaction.ByTestID:
		return p.page.GetByTestId(s.Value), nil
	case interaction.ByRole:
		opts := playwright.PageGetByRoleOptions{Exact: exact}
		if s.Name != "" {
			opts.Name = s.Name
		}
		return p.page.GetByRole(playwright.AriaRole(s.Value), opts), nil
	case interaction.ByCSS:
		return p.page.Locator(s.Value), nil
	case interaction.ByText:
		return p.page.GetByText(s.Value, playwright.PageGetByTextOptions{Exact: exact}), nil
	case interaction.ByLabel:
		return p.page.GetByLabel(s.Value, playwright.PageGetByLabelOptions{Exact: exact}), nil
	case interaction.ByPlaceholder:
		return p.page.GetByPlaceholder(s.Value, playwright.PageGetByPlaceholderOptions{Exact: exact}), nil
	}
	return nil, fmt.Errorf("unknown locator strategy kind %q", s.Kind)
}

func (p *Page) FindCandidates(ctx context.Context, s interaction.Strategy) ([]interaction.Handle, error) {
	loc, err := p.locator(s)
	if err != nil {
		return nil, err
	}
	found, err := await(ctx, loc.ElementHandles)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s, err)
	}
	handles := make([]interaction.Handle, len(found))
	for i, eh := range found {
		handles[i] = &handle{el: eh}
	}
	return handles, nil
}

func (p *Page) SubscribeResponses(match func(interaction.ResponseEvent) bool) *interaction.Subscription[interaction.ResponseEvent] {
	return p.responses.Subscribe(match)
}

func (p *Page) SubscribeDOMChanges() *interaction.Subscription[interaction.DOMChange] {
	return p.dom.Subscribe(nil)
}

func (p *Page) SubscribeNavigations() *interaction.Subscription[string] {
	return p.navs.Subscribe(nil)
}

func (p *Page) InflightRequests() int {
	if n := p.inflight.Load(); n > 0 {
		return int(n)
	}
	return 0
}

func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	if p.closed.Load() {
		return errors.New("browser session is closed")
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the browser context, which also closes its page.
func (p *Page) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.responses.Close()
		p.dom.Close()
		p.navs.Close()
		err = awaitErr(ctx, func() error { return p.bctx.Close() })
		p.logger.Debug("Session closed.", zap.Error(err))
	})
	return err
}

type handle struct {
	el playwright.ElementHandle
}

var _ interaction.Handle = (*handle)(nil)

const actionTimeout = 10 * time.Second

func (h *handle) IsVisible(ctx context.Context) (bool, error) { return await(ctx, h.el.IsVisible) }

func (h *handle) IsEnabled(ctx context.Context) (bool, error) { return await(ctx, h.el.IsEnabled) }

func (h *handle) IsAttached(ctx context.Context) (bool, error) {
	v, err := await(ctx, func() (interface{}, error) { return h.el.Evaluate("el => el.isConnected") })
	if errors.Is(err, interaction.ErrStaleHandle) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	attached, _ := v.(bool)
	return attached, nil
}

func (h *handle) Click(ctx context.Context) error {
	return awaitErr(ctx, func() error {
		return h.el.Click(playwright.ElementHandleClickOptions{Timeout: timeoutMS(ctx, actionTimeout)})
	})
}

func (h *handle) Fill(ctx context.Context, value string) error {
	return awaitErr(ctx, func() error {
		return h.el.Fill(value, playwright.ElementHandleFillOptions{Timeout: timeoutMS(ctx, actionTimeout)})
	})
}

func (h *handle) SelectOption(ctx context.Context, value string) error {
	_, err := await(ctx, func() ([]string, error) {
		return h.el.SelectOption(playwright.SelectOptionValues{Values: playwright.StringSlice(value)},
			playwright.ElementHandleSelectOptionOptions{Timeout: timeoutMS(ctx, actionTimeout)})
	})
	return err
}

func (h *handle) Clear(ctx context.Context) error {
	return awaitErr(ctx, func() error {
		return h.el.Fill("", playwright.ElementHandleFillOptions{Timeout: timeoutMS(ctx, actionTimeout)})
	})
}

func (h *handle) TextContent(ctx context.Context) (string, error) {
	return await(ctx, h.el.TextContent)
}

func (h *handle) InputValue(ctx context.Context) (string, error) {
	return await(ctx, func() (string, error) {
		return h.el.InputValue(playwright.ElementHandleInputValueOptions{Timeout: timeoutMS(ctx, actionTimeout)})
	})
}
