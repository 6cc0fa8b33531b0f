// internal/interaction/glob_test.go
package interaction_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/tether/internal/interaction"
)

func TestURLPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"**/list", "http://localhost:3000/plots/list", true},
		{"**/list", "http://localhost:3000/list", true},
		{"**/list", "http://localhost:3000/listing", false},
		{"**/plots/*/edit", "https://app.test/plots/42/edit", true},
		{"**/plots/*/edit", "https://app.test/plots/42/x/edit", false},
		{"**/person/{add,edit}", "https://app.test/person/add", true},
		{"**/person/{add,edit}", "https://app.test/person/edit", true},
		{"**/person/{add,edit}", "https://app.test/person/view", false},
		{"**/search?q=1", "http://app.test/search?q=1", true},
		{"**/search?q=1", "http://app.test/searchXq=1", false},
		{"http://app.test/a.b", "http://app.test/aXb", false},
		{"**/roi/**", "http://app.test/roi/7/tabs/owner", true},
		{"re:/plots/\\d+$", "http://app.test/plots/12", true},
		{"re:/plots/\\d+$", "http://app.test/plots/new", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.url, func(t *testing.T) {
			p, err := interaction.CompileURLPattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.url))
			assert.Equal(t, tt.pattern, p.String())
		})
	}
}

func TestURLPatternErrors(t *testing.T) {
	for _, pattern := range []string{"", "**/{add,edit", "**/add}", "**/{a,{b}}", "re:("} {
		_, err := interaction.CompileURLPattern(pattern)
		assert.Error(t, err, pattern)
	}
	assert.Panics(t, func() { interaction.MustCompileURLPattern("{") })

	_, err := interaction.URLMatches("{")
	assert.Error(t, err)
}

// Compiling never panics, and a pattern without glob syntax matches itself.
func FuzzURLPattern(f *testing.F) {
	f.Add([]byte("**/list"))
	f.Add([]byte("http://app.test/plots/{add,edit}"))
	f.Add([]byte("re:^https?://"))
	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		pattern, err := c.GetString()
		if err != nil {
			return
		}
		url, err := c.GetString()
		if err != nil {
			url = pattern
		}

		p, err := interaction.CompileURLPattern(pattern)
		if err != nil {
			return
		}
		_ = p.Match(url)

		literal := utf8.ValidString(pattern) &&
			!strings.HasPrefix(pattern, "re:") &&
			!strings.ContainsAny(pattern, "*{},")
		if literal && !p.Match(pattern) {
			t.Fatalf("literal pattern %q does not match itself", pattern)
		}
	})
}
