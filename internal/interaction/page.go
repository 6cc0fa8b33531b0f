// internal/interaction/page.go
package interaction

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrStaleHandle is returned by engines when a handle no longer refers to a live node,
// typically because the page re-rendered or navigated away.
var ErrStaleHandle = errors.New("element handle is stale")

// Page is the capability surface the engine consumes from a browser automation backend.
// Implementations exist for chromedp, playwright and rod, plus a scripted fake for tests.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)

	// FindCandidates returns every element matching the strategy in document order.
	// It must not mutate the page.
	FindCandidates(ctx context.Context, s Strategy) ([]Handle, error)

	// SubscribeResponses registers a response listener immediately. Events matching the
	// predicate are delivered on the subscription until Unsubscribe is called.
	SubscribeResponses(match func(ResponseEvent) bool) *Subscription[ResponseEvent]

	Sleep(ctx context.Context, d time.Duration) error
}

// Handle is an opaque reference to a located element, valid until the DOM replaces it.
type Handle interface {
	IsVisible(ctx context.Context) (bool, error)
	IsEnabled(ctx context.Context) (bool, error)
	IsAttached(ctx context.Context) (bool, error)

	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	SelectOption(ctx context.Context, value string) error
	Clear(ctx context.Context) error

	TextContent(ctx context.Context) (string, error)
	InputValue(ctx context.Context) (string, error)
}

// Notifier is implemented by pages that can push change signals. The waiter uses these to
// re-evaluate element and URL conditions as soon as something changes instead of waiting
// for the next poll tick.
type Notifier interface {
	SubscribeDOMChanges() *Subscription[DOMChange]
	SubscribeNavigations() *Subscription[string]
}

// ActivityReporter is implemented by pages that track in-flight network requests.
type ActivityReporter interface {
	InflightRequests() int
}

// DOMChange is a coalesced mutation signal from the page.
type DOMChange struct {
	At time.Time
}

// ResponseEvent describes a network response observed by the page.
type ResponseEvent struct {
	URL    string
	Method string
	Status int

	// FetchBody retrieves the response body on demand. It may be nil when the engine
	// cannot provide bodies.
	FetchBody func(ctx context.Context) ([]byte, error)
}

// Body returns the response body, fetching it from the engine if supported.
func (e ResponseEvent) Body(ctx context.Context) ([]byte, error) {
	if e.FetchBody == nil {
		return nil, errors.New("response body not available from this engine")
	}
	return e.FetchBody(ctx)
}

// IsStaleMessage reports whether an engine error message indicates that the referenced
// node or remote object is gone. Engines use it to map their errors onto ErrStaleHandle.
func IsStaleMessage(msg string) bool {
	for _, marker := range staleMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var staleMarkers = []string{
	"Could not find node",
	"Could not find object with given id",
	"Cannot find context with specified id",
	"Node is detached",
	"not attached to the DOM",
	"Element is not attached",
	"Execution context was destroyed",
	"-32000",
}
