// internal/browser/cdp/page.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/jsquery"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/interaction"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	setupTimeout             = 15 * time.Second

	// Remote objects from each probe live in their own group. The oldest group is released
	// once this many newer ones exist.
	retainedProbeGroups = 256
)

// ErrSessionClosed is returned for operations on a closed page.
var ErrSessionClosed = errors.New("browser session is closed")

type request struct {
	method    string
	url       string
	status    int
	responded bool
}

// Page is a single tab in its own browser context. It is also the session handed to the
// scenario runner.
type Page struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	opts   session.Options
	logger *zap.Logger

	responses *interaction.Hub[interaction.ResponseEvent]
	dom       *interaction.Hub[interaction.DOMChange]
	navs      *interaction.Hub[string]

	mu        sync.Mutex
	requests  map[network.RequestID]*request
	mainFrame string
	url       string
	groups    []string
	groupSeq  int

	closeOnce sync.Once
}

var (
	_ interaction.Page             = (*Page)(nil)
	_ interaction.Notifier         = (*Page)(nil)
	_ interaction.ActivityReporter = (*Page)(nil)
	_ session.Session              = (*Page)(nil)
)

func newPage(tabCtx context.Context, cancel context.CancelFunc, opts session.Options, logger *zap.Logger) *Page {
	id := uuid.New().String()
	return &Page{
		id:        id,
		ctx:       tabCtx,
		cancel:    cancel,
		opts:      opts,
		logger:    logger.With(zap.String("session_id", id)),
		responses: interaction.NewHub[interaction.ResponseEvent](),
		dom:       interaction.NewHub[interaction.DOMChange](),
		navs:      interaction.NewHub[string](),
		requests:  make(map[network.RequestID]*request),
		url:       "about:blank",
	}
}

// start creates the target, enables the event domains and installs the DOM observer.
func (p *Page) start(ctx context.Context) error {
	chromedp.ListenTarget(p.ctx, p.onEvent)

	tasks := chromedp.Tasks{
		network.Enable(),
		runtime.Enable(),
		page.Enable(),
		runtime.AddBinding(jsquery.DOMBinding),
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(jsquery.Observer).Do(c)
			return err
		}),
		chromedp.Evaluate(jsquery.Observer, nil),
	}
	if len(p.opts.Headers) > 0 {
		headers := make(network.Headers, len(p.opts.Headers))
		for k, v := range p.opts.Headers {
			headers[k] = v
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(headers))
	}

	if err := runBounded(ctx, p.ctx, setupTimeout, tasks); err != nil {
		return fmt.Errorf("failed to initialize browser session: %w", err)
	}
	p.logger.Debug("Session initialized.")
	return nil
}

func (p *Page) ID() string { return p.id }

func (p *Page) Page() interaction.Page { return p }

// run executes actions on the tab, bounded by both the session and the caller's context.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.ctx.Err() != nil {
		return ErrSessionClosed
	}
	opCtx, cancel := session.CombineContext(p.ctx, ctx)
	defer cancel()

	err := chromedp.Run(opCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
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

	if err := p.run(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := p.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// LastURL is the main frame URL from the most recent navigation event.
func (p *Page) LastURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) FindCandidates(ctx context.Context, s interaction.Strategy) ([]interaction.Handle, error) {
	expr, err := jsquery.Expression(s, p.opts.TestIDAttribute)
	if err != nil {
		return nil, err
	}
	group := p.nextGroup()

	var handles []interaction.Handle
	err = p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		arr, exc, err := runtime.Evaluate(expr).WithObjectGroup(group).Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		if arr == nil || arr.ObjectID == "" {
			return nil
		}

		n, err := arrayLength(c, arr.ObjectID)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			el, exc, err := runtime.CallFunctionOn(fmt.Sprintf("function() { return this[%d]; }", i)).
				WithObjectID(arr.ObjectID).
				WithObjectGroup(group).
				Do(c)
			if err != nil {
				return err
			}
			if exc != nil {
				return exceptionError(exc)
			}
			if el != nil && el.ObjectID != "" {
				handles = append(handles, &handle{page: p, id: el.ObjectID})
			}
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s, err)
	}
	return handles, nil
}

// nextGroup names the object group for a probe and releases the oldest retained group.
func (p *Page) nextGroup() string {
	p.mu.Lock()
	p.groupSeq++
	group := "tether-probe-" + strconv.Itoa(p.groupSeq)
	p.groups = append(p.groups, group)
	var expired string
	if len(p.groups) > retainedProbeGroups {
		expired = p.groups[0]
		p.groups = p.groups[1:]
	}
	p.mu.Unlock()

	if expired != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = p.run(ctx, runtime.ReleaseObjectGroup(expired))
		}()
	}
	return group
}

func arrayLength(ctx context.Context, id runtime.RemoteObjectID) (int, error) {
	res, exc, err := runtime.CallFunctionOn("function() { return this.length; }").
		WithObjectID(id).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if exc != nil {
		return 0, exceptionError(exc)
	}
	n, err := strconv.Atoi(string(res.Value))
	if err != nil {
		return 0, fmt.Errorf("unexpected candidate count %q", string(res.Value))
	}
	return n, nil
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
		return ErrSessionClosed
	}
}

// Close disposes of the tab and its browser context.
func (p *Page) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.responses.Close()
		p.dom.Close()
		p.navs.Close()

		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(p.ctx) }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		p.cancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		p.logger.Debug("Session closed.", zap.Error(err))
	})
	return err
}

// onEvent runs on chromedp's event goroutine and must not block or issue commands.
func (p *Page) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.mu.Lock()
		p.requests[e.RequestID] = &request{method: e.Request.Method, url: e.Request.URL}
		p.mu.Unlock()

	case *network.EventResponseReceived:
		p.mu.Lock()
		if r, ok := p.requests[e.RequestID]; ok && e.Response != nil {
			r.status = int(e.Response.Status)
			r.url = e.Response.URL
			r.responded = true
		}
		p.mu.Unlock()

	case *network.EventLoadingFinished:
		p.finishRequest(e.RequestID, true)

	case *network.EventLoadingFailed:
		p.finishRequest(e.RequestID, false)

	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		url := e.Frame.URL + e.Frame.URLFragment
		p.mu.Lock()
		p.mainFrame = string(e.Frame.ID)
		p.url = url
		p.mu.Unlock()
		p.navs.Publish(url)
		p.dom.Publish(interaction.DOMChange{At: time.Now()})

	case *page.EventNavigatedWithinDocument:
		p.mu.Lock()
		main := string(e.FrameID) == p.mainFrame
		if main {
			p.url = e.URL
		}
		p.mu.Unlock()
		if main {
			p.navs.Publish(e.URL)
		}

	case *runtime.EventBindingCalled:
		if e.Name == jsquery.DOMBinding {
			p.dom.Publish(interaction.DOMChange{At: time.Now()})
		}
	}
}

func (p *Page) finishRequest(id network.RequestID, loaded bool) {
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
			var body []byte
			err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
				var err error
				body, err = network.GetResponseBody(id).Do(c)
				return err
			}))
			return body, err
		},
	})
}

func exceptionError(exc *runtime.ExceptionDetails) error {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg = exc.Exception.Description
	}
	return fmt.Errorf("script exception: %s", msg)
}
