// internal/browser/jsquery/jsquery_test.go
package jsquery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/tether/internal/interaction"
)

func TestEmbeddedScripts(t *testing.T) {
	assert.True(t, strings.HasPrefix(Query, "(kind, value, name, exact, testIdAttr) =>"))
	assert.Contains(t, Observer, DOMBinding)
	assert.Contains(t, Observer, "MutationObserver")
}

func TestExpression(t *testing.T) {
	expr, err := Expression(interaction.Role("button", `Say "hi"`).Exactly(), "data-testid")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(expr, `)("role", "button", "Say \"hi\"", true, "data-testid")`))
}

func TestBind(t *testing.T) {
	fn, err := Bind(SelectOption, "Owner")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fn, "function() { return (function(want)"))
	assert.True(t, strings.HasSuffix(fn, `.call(this, "Owner"); }`))

	bare, err := Bind(IsVisible)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(bare, ".call(this); }"))
}

func TestInvokeRejectsUnencodableArgs(t *testing.T) {
	_, err := Invoke(Query, make(chan int))
	assert.Error(t, err)
}
