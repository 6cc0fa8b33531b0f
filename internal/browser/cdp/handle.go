// internal/browser/cdp/handle.go
package cdp

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/tether/internal/browser/jsquery"
	"github.com/xkilldash9x/tether/internal/interaction"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// handle references an element through its remote object id.
type handle struct {
	page *Page
	id   runtime.RemoteObjectID
}

var _ interaction.Handle = (*handle)(nil)

// call invokes an element function with `this` bound to the element and returns its
// result by value.
func (h *handle) call(ctx context.Context, fn string, args ...interface{}) (*runtime.RemoteObject, error) {
	decl := fn
	if len(args) > 0 {
		var err error
		if decl, err = jsquery.Bind(fn, args...); err != nil {
			return nil, err
		}
	}

	var res *runtime.RemoteObject
	err := h.page.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		r, exc, err := runtime.CallFunctionOn(decl).
			WithObjectID(h.id).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(c)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		res = r
		return nil
	}))
	return res, mapStale(err)
}

func mapStale(err error) error {
	if err == nil || errors.Is(err, interaction.ErrStaleHandle) {
		return err
	}
	if interaction.IsStaleMessage(err.Error()) {
		return fmt.Errorf("%w: %v", interaction.ErrStaleHandle, err)
	}
	return err
}

func (h *handle) boolResult(ctx context.Context, fn string) (bool, error) {
	res, err := h.call(ctx, fn)
	if err != nil {
		return false, err
	}
	return string(res.Value) == "true", nil
}

func (h *handle) stringResult(ctx context.Context, fn string) (string, error) {
	res, err := h.call(ctx, fn)
	if err != nil {
		return "", err
	}
	var s string
	if len(res.Value) == 0 {
		return "", nil
	}
	if err := json.Unmarshal([]byte(res.Value), &s); err != nil {
		return "", fmt.Errorf("decoding script result: %w", err)
	}
	return s, nil
}

func (h *handle) IsVisible(ctx context.Context) (bool, error) { return h.boolResult(ctx, jsquery.IsVisible) }

func (h *handle) IsEnabled(ctx context.Context) (bool, error) { return h.boolResult(ctx, jsquery.IsEnabled) }

func (h *handle) IsAttached(ctx context.Context) (bool, error) {
	ok, err := h.boolResult(ctx, jsquery.IsAttached)
	if errors.Is(err, interaction.ErrStaleHandle) {
		return false, nil
	}
	return ok, err
}

// Click scrolls the element into view and clicks its center with real input events.
func (h *handle) Click(ctx context.Context) error {
	res, err := h.call(ctx, jsquery.ClickPoint)
	if err != nil {
		return err
	}
	var pt []float64
	if err := json.Unmarshal([]byte(res.Value), &pt); err != nil || len(pt) != 2 {
		return fmt.Errorf("element has no clickable point")
	}
	x, y := pt[0], pt[1]

	return mapStale(h.page.run(ctx,
		input.DispatchMouseEvent(input.MouseMoved, x, y),
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithButtons(1).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	))
}

// Fill focuses the element and inserts value at the caret, like typing a paste.
func (h *handle) Fill(ctx context.Context, value string) error {
	if _, err := h.call(ctx, jsquery.Focus); err != nil {
		return err
	}
	if err := h.page.run(ctx, input.InsertText(value)); err != nil {
		return mapStale(err)
	}
	_, err := h.call(ctx, jsquery.Commit)
	return err
}

func (h *handle) SelectOption(ctx context.Context, value string) error {
	_, err := h.call(ctx, jsquery.SelectOption, value)
	return err
}

func (h *handle) Clear(ctx context.Context) error {
	_, err := h.call(ctx, jsquery.Clear)
	return err
}

func (h *handle) TextContent(ctx context.Context) (string, error) {
	return h.stringResult(ctx, jsquery.TextContent)
}

func (h *handle) InputValue(ctx context.Context) (string, error) {
	return h.stringResult(ctx, jsquery.InputValue)
}
