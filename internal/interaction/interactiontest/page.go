// internal/interaction/interactiontest/page.go

// Package interactiontest provides a scripted in-memory page for exercising the
// interaction engine without a browser. State changes can be scheduled on a timer so
// tests can model slow applications.
package interactiontest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/tether/internal/interaction"
)

// Page is a fake interaction.Page, interaction.Notifier and interaction.ActivityReporter.
type Page struct {
	mu       sync.Mutex
	url      string
	elements []*Element
	timers   []*time.Timer
	probes   atomic.Int64
	inflight atomic.Int64

	navErr error

	responses *interaction.Hub[interaction.ResponseEvent]
	dom       *interaction.Hub[interaction.DOMChange]
	nav       *interaction.Hub[string]
}

// NewPage creates an empty page at url.
func NewPage(url string) *Page {
	return &Page{
		url:       url,
		responses: interaction.NewHub[interaction.ResponseEvent](),
		dom:       interaction.NewHub[interaction.DOMChange](),
		nav:       interaction.NewHub[string](),
	}
}

// Add appends elements in document order and returns the first one for chaining.
func (p *Page) Add(els ...*Element) *Element {
	p.mu.Lock()
	for _, el := range els {
		el.page = p
		el.attached = true
		p.elements = append(p.elements, el)
	}
	p.mu.Unlock()
	p.changed()
	if len(els) == 0 {
		return nil
	}
	return els[0]
}

// After runs fn once d has elapsed. Pending callbacks are cancelled by Close.
func (p *Page) After(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timers = append(p.timers, time.AfterFunc(d, fn))
}

// SetURL changes the current URL and emits a navigation.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
	p.nav.Publish(u)
	p.changed()
}

// Respond emits a network response event.
func (p *Page) Respond(ev interaction.ResponseEvent) {
	p.responses.Publish(ev)
}

// BeginRequest and EndRequest adjust the in-flight request count.
func (p *Page) BeginRequest() { p.inflight.Add(1) }
func (p *Page) EndRequest()   { p.inflight.Add(-1) }

// FailNavigation makes subsequent Navigate calls return err.
func (p *Page) FailNavigation(err error) {
	p.mu.Lock()
	p.navErr = err
	p.mu.Unlock()
}

// Find returns the first attached element matching s, or nil.
func (p *Page) Find(s interaction.Strategy) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.elements {
		if el.attached && el.matches(s) {
			return el
		}
	}
	return nil
}

// Probes counts FindCandidates calls.
func (p *Page) Probes() int64 { return p.probes.Load() }

// ResponseSubscribers, DOMSubscribers and NavigationSubscribers report live listeners.
func (p *Page) ResponseSubscribers() int   { return p.responses.Len() }
func (p *Page) DOMSubscribers() int        { return p.dom.Len() }
func (p *Page) NavigationSubscribers() int { return p.nav.Len() }

// Close cancels pending timers and drops every subscriber.
func (p *Page) Close() {
	p.mu.Lock()
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	p.mu.Unlock()
	p.responses.Close()
	p.dom.Close()
	p.nav.Close()
}

func (p *Page) changed() {
	p.dom.Publish(interaction.DOMChange{At: time.Now()})
}

// -- interaction.Page --

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	err := p.navErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.SetURL(url)
	return nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) FindCandidates(ctx context.Context, s interaction.Strategy) ([]interaction.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.probes.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []interaction.Handle
	for _, el := range p.elements {
		if !el.attached || !el.matches(s) {
			continue
		}
		out = append(out, &handle{el: el})
	}
	return out, nil
}

func (p *Page) SubscribeResponses(match func(interaction.ResponseEvent) bool) *interaction.Subscription[interaction.ResponseEvent] {
	return p.responses.Subscribe(match)
}

func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// -- interaction.Notifier / ActivityReporter --

func (p *Page) SubscribeDOMChanges() *interaction.Subscription[interaction.DOMChange] {
	return p.dom.Subscribe(nil)
}

func (p *Page) SubscribeNavigations() *interaction.Subscription[string] {
	return p.nav.Subscribe(nil)
}

func (p *Page) InflightRequests() int { return int(p.inflight.Load()) }

// Element is a scripted DOM element.
type Element struct {
	TestID      string
	Role        string
	Name        string
	Selectors   []string
	Text        string
	Label       string
	Placeholder string

	page     *Page
	attached bool
	hidden   bool
	disabled bool
	value    string
	clicks   int
	fills    int

	// OnClick runs after a successful click, outside the page lock.
	OnClick func()
	// OnSelect runs after a successful option selection.
	OnSelect func(value string)
	// FillFilter rewrites what the n-th fill (1-based) actually stores, modelling inputs
	// that drop keystrokes while the app re-renders.
	FillFilter func(n int, value string) string
	// ClickErrs are returned, in order, by the first clicks before clicks succeed.
	ClickErrs []error
}

func (e *Element) matches(s interaction.Strategy) bool {
	eq := func(have, want string) bool {
		if s.Exact {
			return have == want
		}
		return have != "" && strings.Contains(strings.ToLower(have), strings.ToLower(want))
	}
	switch s.Kind {
	case interaction.ByTestID:
		return e.TestID != "" && e.TestID == s.Value
	case interaction.ByRole:
		return e.Role == s.Value && (s.Name == "" || eq(e.Name, s.Name))
	case interaction.ByCSS:
		for _, sel := range e.Selectors {
			if sel == s.Value {
				return true
			}
		}
		return false
	case interaction.ByText:
		return eq(e.Text, s.Value)
	case interaction.ByLabel:
		return eq(e.Label, s.Value)
	case interaction.ByPlaceholder:
		return eq(e.Placeholder, s.Value)
	}
	return false
}

func (e *Element) mutate(fn func()) {
	e.page.mu.Lock()
	fn()
	e.page.mu.Unlock()
	e.page.changed()
}

// Hidden starts the element invisible.
func (e *Element) Hidden() *Element {
	e.hidden = true
	return e
}

// Disabled starts the element disabled.
func (e *Element) Disabled() *Element {
	e.disabled = true
	return e
}

// WithValue sets the initial input value.
func (e *Element) WithValue(v string) *Element {
	e.value = v
	return e
}

func (e *Element) SetVisible(v bool) { e.mutate(func() { e.hidden = !v }) }
func (e *Element) SetEnabled(v bool) { e.mutate(func() { e.disabled = !v }) }
func (e *Element) Detach()           { e.mutate(func() { e.attached = false }) }
func (e *Element) SetValue(v string) { e.mutate(func() { e.value = v }) }

// Value returns the current stored value.
func (e *Element) Value() string {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.value
}

// Clicks returns the number of successful clicks.
func (e *Element) Clicks() int {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.clicks
}

// Fills returns the number of fill calls.
func (e *Element) Fills() int {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.fills
}

// handle is the interaction.Handle for an Element. Once the element detaches every
// method reports interaction.ErrStaleHandle.
type handle struct {
	el *Element
}

var errNotInteractable = errors.New("element is not interactable")

func (h *handle) live(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.el.attached {
		return interaction.ErrStaleHandle
	}
	return nil
}

func (h *handle) read(ctx context.Context, fn func(e *Element)) error {
	h.el.page.mu.Lock()
	defer h.el.page.mu.Unlock()
	if err := h.live(ctx); err != nil {
		return err
	}
	fn(h.el)
	return nil
}

func (h *handle) IsVisible(ctx context.Context) (bool, error) {
	var v bool
	err := h.read(ctx, func(e *Element) { v = !e.hidden })
	return v, err
}

func (h *handle) IsEnabled(ctx context.Context) (bool, error) {
	var v bool
	err := h.read(ctx, func(e *Element) { v = !e.disabled })
	return v, err
}

func (h *handle) IsAttached(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.el.page.mu.Lock()
	defer h.el.page.mu.Unlock()
	return h.el.attached, nil
}

func (h *handle) TextContent(ctx context.Context) (string, error) {
	var v string
	err := h.read(ctx, func(e *Element) { v = e.Text })
	return v, err
}

func (h *handle) InputValue(ctx context.Context) (string, error) {
	var v string
	err := h.read(ctx, func(e *Element) { v = e.value })
	return v, err
}

func (h *handle) act(ctx context.Context, fn func(e *Element) error) error {
	e := h.el
	e.page.mu.Lock()
	if err := h.live(ctx); err != nil {
		e.page.mu.Unlock()
		return err
	}
	if e.hidden || e.disabled {
		e.page.mu.Unlock()
		return errNotInteractable
	}
	err := fn(e)
	e.page.mu.Unlock()
	if err == nil {
		e.page.changed()
	}
	return err
}

func (h *handle) Click(ctx context.Context) error {
	err := h.act(ctx, func(e *Element) error {
		if len(e.ClickErrs) > 0 {
			err := e.ClickErrs[0]
			e.ClickErrs = e.ClickErrs[1:]
			return err
		}
		e.clicks++
		return nil
	})
	if err == nil && h.el.OnClick != nil {
		h.el.OnClick()
	}
	return err
}

func (h *handle) Fill(ctx context.Context, value string) error {
	return h.act(ctx, func(e *Element) error {
		e.fills++
		if e.FillFilter != nil {
			value = e.FillFilter(e.fills, value)
		}
		e.value += value
		return nil
	})
}

func (h *handle) Clear(ctx context.Context) error {
	return h.act(ctx, func(e *Element) error {
		e.value = ""
		return nil
	})
}

func (h *handle) SelectOption(ctx context.Context, value string) error {
	err := h.act(ctx, func(e *Element) error {
		e.value = value
		return nil
	})
	if err == nil && h.el.OnSelect != nil {
		h.el.OnSelect(value)
	}
	return err
}
