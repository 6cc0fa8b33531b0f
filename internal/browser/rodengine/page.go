// internal/browser/rodengine/page.go
package rodengine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/jsquery"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/interaction"
)

const defaultNavigationTimeout = 30 * time.Second

type request struct {
	method    string
	url       string
	status    int
	responded bool
}

// Page is the single page of an incognito browser.
type Page struct {
	id        string
	incognito *rod.Browser
	page      *rod.Page
	opts      session.Options
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	responses *interaction.Hub[interaction.ResponseEvent]
	dom       *interaction.Hub[interaction.DOMChange]
	navs      *interaction.Hub[string]

	mu        sync.Mutex
	requests  map[proto.NetworkRequestID]*request
	mainFrame proto.PageFrameID

	closeOnce sync.Once
}

var (
	_ interaction.Page             = (*Page)(nil)
	_ interaction.Notifier         = (*Page)(nil)
	_ interaction.ActivityReporter = (*Page)(nil)
	_ session.Session              = (*Page)(nil)
)

func newPage(ctx context.Context, incognito *rod.Browser, opts session.Options, logger *zap.Logger) (*Page, error) {
	id := uuid.New().String()
	pageCtx, cancel := context.WithCancel(context.Background())
	p := &Page{
		id:        id,
		incognito: incognito,
		opts:      opts,
		logger:    logger.With(zap.String("session_id", id)),
		ctx:       pageCtx,
		cancel:    cancel,
		responses: interaction.NewHub[interaction.ResponseEvent](),
		dom:       interaction.NewHub[interaction.DOMChange](),
		navs:      interaction.NewHub[string](),
		requests:  make(map[proto.NetworkRequestID]*request),
	}

	page, err := incognito.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	p.page = page.Context(pageCtx)

	if err := p.setup(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize browser session: %w", err)
	}
	p.logger.Debug("Session initialized.")
	return p, nil
}

func (p *Page) setup() error {
	w, h := p.opts.Viewport()
	if err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: w, Height: h, DeviceScaleFactor: 1}); err != nil {
		return err
	}
	if len(p.opts.Headers) > 0 {
		dict := make([]string, 0, 2*len(p.opts.Headers))
		for k, v := range p.opts.Headers {
			dict = append(dict, k, v)
		}
		if _, err := p.page.SetExtraHeaders(dict); err != nil {
			return err
		}
	}

	// Subscribing enables the network, page and runtime domains for the page's lifetime.
	wait := p.page.EachEvent(
		p.onRequest,
		p.onResponse,
		func(e *proto.NetworkLoadingFinished) { p.finishRequest(e.RequestID, true) },
		func(e *proto.NetworkLoadingFailed) { p.finishRequest(e.RequestID, false) },
		p.onFrameNavigated,
		p.onNavigatedWithinDocument,
		func(e *proto.RuntimeBindingCalled) {
			if e.Name == jsquery.DOMBinding {
				p.dom.Publish(interaction.DOMChange{At: time.Now()})
			}
		},
	)
	go wait()

	if err := (proto.RuntimeAddBinding{Name: jsquery.DOMBinding}).Call(p.page); err != nil {
		return err
	}
	if _, err := p.page.EvalOnNewDocument(jsquery.Observer); err != nil {
		return err
	}
	// Eval expects a function; the observer source is a statement.
	_, err := p.page.Eval("() => {\n" + jsquery.Observer + "\n}")
	return err
}

func (p *Page) onRequest(e *proto.NetworkRequestWillBeSent) {
	p.mu.Lock()
	p.requests[e.RequestID] = &request{method: e.Request.Method, url: e.Request.URL}
	p.mu.Unlock()
}

func (p *Page) onResponse(e *proto.NetworkResponseReceived) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.requests[e.RequestID]; ok && e.Response != nil {
		r.status = e.Response.Status
		r.url = e.Response.URL
		r.responded = true
	}
}

func (p *Page) onFrameNavigated(e *proto.PageFrameNavigated) {
	if e.Frame == nil || e.Frame.ParentID != "" {
		return
	}
	p.mu.Lock()
	p.mainFrame = e.Frame.ID
	p.mu.Unlock()
	p.navs.Publish(e.Frame.URL + e.Frame.URLFragment)
	p.dom.Publish(interaction.DOMChange{At: time.Now()})
}

func (p *Page) onNavigatedWithinDocument(e *proto.PageNavigatedWithinDocument) {
	p.mu.Lock()
	main := e.FrameID == p.mainFrame
	p.mu.Unlock()
	if main {
		p.navs.Publish(e.URL)
	}
}

func (p *Page) finishRequest(id proto.NetworkRequestID, loaded bool) {
	p.mu.Lock()
	r, ok := p.requests[id]
	delete(p.requests, id)
	p.mu.Unlock()
	if !ok || !loaded || !r.responded {
		return
	}

	p.responses.Publish(interaction.ResponseEvent{
		URL:    r.url,
		Method: r.method,
		Status: r.status,
		FetchBody: func(ctx context.Context) ([]byte, error) {
			res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(p.page.Context(ctx))
			if err != nil {
				return nil, err
			}
			if res.Base64Encoded {
				return base64.StdEncoding.DecodeString(res.Body)
			}
			return []byte(res.Body), nil
		},
	})
}

func (p *Page) ID() string { return p.id }

func (p *Page) Page() interaction.Page { return p }

// on returns the page bound to ctx.
func (p *Page) on(ctx context.Context) *rod.Page {
	return p.page.Context(ctx)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	timeout := p.opts.Browser.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page := p.on(navCtx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed waiting for %s to load: %w", url, err)
	}
	return nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	res, err := p.on(ctx).Eval(`() => window.location.href`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *Page) FindCandidates(ctx context.Context, s interaction.Strategy) ([]interaction.Handle, error) {
	els, err := p.on(ctx).ElementsByJS(rod.Eval(jsquery.Query, jsquery.Args(s, p.opts.TestIDAttribute)...))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s, err)
	}
	handles := make([]interaction.Handle, len(els))
	for i, el := range els {
		handles[i] = &handle{el: el}
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
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return errors.New("browser session is closed")
	}
}

// Close stops event delivery and disposes of the incognito browser.
func (p *Page) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		p.responses.Close()
		p.dom.Close()
		p.navs.Close()
		err = p.incognito.Context(ctx).Close()
		p.logger.Debug("Session closed.", zap.Error(err))
	})
	return err
}

type handle struct {
	el *rod.Element
}

var _ interaction.Handle = (*handle)(nil)

func mapStale(err error) error {
	if err == nil {
		return nil
	}
	var notFound *rod.ObjectNotFoundError
	if errors.As(err, &notFound) || interaction.IsStaleMessage(err.Error()) {
		return fmt.Errorf("%w: %v", interaction.ErrStaleHandle, err)
	}
	return err
}

func (h *handle) eval(ctx context.Context, fn string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	res, err := h.el.Context(ctx).Eval(fn, args...)
	return res, mapStale(err)
}

func (h *handle) IsVisible(ctx context.Context) (bool, error) {
	res, err := h.eval(ctx, jsquery.IsVisible)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (h *handle) IsEnabled(ctx context.Context) (bool, error) {
	res, err := h.eval(ctx, jsquery.IsEnabled)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (h *handle) IsAttached(ctx context.Context) (bool, error) {
	res, err := h.eval(ctx, jsquery.IsAttached)
	if errors.Is(err, interaction.ErrStaleHandle) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// Click waits for the element to be interactable, then clicks it once.
func (h *handle) Click(ctx context.Context) error {
	return mapStale(h.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (h *handle) Fill(ctx context.Context, value string) error {
	if _, err := h.eval(ctx, jsquery.Focus); err != nil {
		return err
	}
	if err := h.el.Context(ctx).Page().InsertText(value); err != nil {
		return mapStale(err)
	}
	_, err := h.eval(ctx, jsquery.Commit)
	return err
}

func (h *handle) SelectOption(ctx context.Context, value string) error {
	_, err := h.eval(ctx, jsquery.SelectOption, value)
	return err
}

func (h *handle) Clear(ctx context.Context) error {
	_, err := h.eval(ctx, jsquery.Clear)
	return err
}

func (h *handle) TextContent(ctx context.Context) (string, error) {
	res, err := h.eval(ctx, jsquery.TextContent)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (h *handle) InputValue(ctx context.Context) (string, error) {
	res, err := h.eval(ctx, jsquery.InputValue)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}
