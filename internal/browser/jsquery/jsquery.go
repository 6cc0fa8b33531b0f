// internal/browser/jsquery/jsquery.go
// Package jsquery holds the in-page scripts shared by the chromedp and rod engines:
// strategy resolution in document order, element state probes, and the mutation
// observer that feeds DOM-change notifications back to Go.
package jsquery

import (
	_ "embed"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/tether/internal/interaction"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Query is an arrow function (kind, value, name, exact, testIdAttr) returning the
// matching elements in document order.
//
//go:embed query.js
var Query string

// Observer installs a MutationObserver that calls DOMBinding at most once per frame.
//
//go:embed observer.js
var Observer string

// DOMBinding is the global function name the observer calls on mutation.
const DOMBinding = "__tetherDomChanged"

// Element functions. Each runs with `this` bound to the element.
const (
	IsVisible = `function() {
  if (!this.isConnected) return false;
  const style = getComputedStyle(this);
  if (style.visibility === 'hidden' || style.display === 'none' || style.opacity === '0') return false;
  const rect = this.getBoundingClientRect();
  return rect.width > 0 && rect.height > 0;
}`

	IsEnabled = `function() {
  if (this.disabled) return false;
  if (this.getAttribute('aria-disabled') === 'true') return false;
  return !this.closest('fieldset[disabled]');
}`

	IsAttached = `function() { return this.isConnected; }`

	TextContent = `function() { return this.textContent || ''; }`

	InputValue = `function() { return 'value' in this ? String(this.value) : ''; }`

	// ClickPoint scrolls the element into view and returns the viewport coordinates of
	// its center.
	ClickPoint = `function() {
  this.scrollIntoView({block: 'center', inline: 'center', behavior: 'instant'});
  const rect = this.getBoundingClientRect();
  return [rect.left + rect.width / 2, rect.top + rect.height / 2];
}`

	// Focus focuses the element and moves the caret to the end of its value.
	Focus = `function() {
  this.focus();
  if (typeof this.setSelectionRange === 'function' && typeof this.value === 'string') {
    try { this.setSelectionRange(this.value.length, this.value.length); } catch (e) {}
  }
}`

	Clear = `function() {
  this.focus();
  if ('value' in this) {
    this.value = '';
  } else if (this.isContentEditable) {
    this.textContent = '';
  }
  this.dispatchEvent(new Event('input', {bubbles: true}));
  this.dispatchEvent(new Event('change', {bubbles: true}));
}`

	Commit = `function() { this.dispatchEvent(new Event('change', {bubbles: true})); }`

	// SelectOption picks the first option whose value or label equals want.
	SelectOption = `function(want) {
  if (this.tagName !== 'SELECT') throw new Error('element is not a <select>');
  const opt = Array.from(this.options).find((o) => o.value === want || o.label === want || o.textContent.trim() === want);
  if (!opt) throw new Error('no option ' + JSON.stringify(want));
  this.value = opt.value;
  this.dispatchEvent(new Event('input', {bubbles: true}));
  this.dispatchEvent(new Event('change', {bubbles: true}));
}`
)

// Args returns the Query arguments for a strategy.
func Args(s interaction.Strategy, testIDAttr string) []interface{} {
	return []interface{}{string(s.Kind), s.Value, s.Name, s.Exact, testIDAttr}
}

// Expression renders a self-invoking Query call for engines that evaluate plain source.
func Expression(s interaction.Strategy, testIDAttr string) (string, error) {
	return Invoke(Query, Args(s, testIDAttr)...)
}

// Invoke renders "(fn)(args...)" with JSON-encoded arguments.
func Invoke(fn string, args ...interface{}) (string, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s)(%s)", fn, encoded), nil
}

// Bind wraps an element function so it can be called with `this` and fixed arguments
// through a single argument-less function declaration.
func Bind(fn string, args ...interface{}) (string, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	if encoded != "" {
		encoded = ", " + encoded
	}
	return fmt.Sprintf("function() { return (%s).call(this%s); }", fn, encoded), nil
}

func encodeArgs(args []interface{}) (string, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encoding script argument %d: %w", i, err)
		}
		parts[i] = string(raw)
	}
	return strings.Join(parts, ", "), nil
}
