// internal/interaction/glob.go
package interaction

import (
	"fmt"
	"regexp"
	"strings"
)

// URLPattern matches page URLs. Patterns use glob syntax:
//
//	**      any sequence of characters, including '/'
//	*       any sequence of characters except '/'
//	{a,b}   either alternative
//
// Everything else, including '?', matches literally. A pattern starting with "re:" is
// compiled as a regular expression instead.
type URLPattern struct {
	source string
	re     *regexp.Regexp
}

// CompileURLPattern parses a glob or "re:" pattern.
func CompileURLPattern(pattern string) (*URLPattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty url pattern")
	}
	var expr string
	if rest, ok := strings.CutPrefix(pattern, "re:"); ok {
		expr = rest
	} else {
		var err error
		expr, err = globToRegexp(pattern)
		if err != nil {
			return nil, err
		}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid url pattern %q: %w", pattern, err)
	}
	return &URLPattern{source: pattern, re: re}, nil
}

// MustCompileURLPattern is CompileURLPattern that panics on error.
func MustCompileURLPattern(pattern string) *URLPattern {
	p, err := CompileURLPattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether url satisfies the pattern.
func (p *URLPattern) Match(url string) bool {
	return p.re.MatchString(url)
}

func (p *URLPattern) String() string { return p.source }

func globToRegexp(glob string) (string, error) {
	var b strings.Builder
	b.WriteString("^")
	inGroup := false
	rs := []rune(glob)
	for i := 0; i < len(rs); i++ {
		c := rs[i]
		switch c {
		case '*':
			if i+1 < len(rs) && rs[i+1] == '*' {
				// Swallow runs of stars and an immediately following slash so that
				// "**/list" also matches "list" at the root of the path.
				for i+1 < len(rs) && rs[i+1] == '*' {
					i++
				}
				if i+1 < len(rs) && rs[i+1] == '/' {
					i++
					b.WriteString("(?:.*/)?")
				} else {
					b.WriteString(".*")
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '{':
			if inGroup {
				return "", fmt.Errorf("nested '{' in url pattern %q", glob)
			}
			inGroup = true
			b.WriteString("(?:")
		case '}':
			if !inGroup {
				return "", fmt.Errorf("unbalanced '}' in url pattern %q", glob)
			}
			inGroup = false
			b.WriteString(")")
		case ',':
			if inGroup {
				b.WriteString("|")
			} else {
				b.WriteString(",")
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	if inGroup {
		return "", fmt.Errorf("unterminated '{' in url pattern %q", glob)
	}
	b.WriteString("$")
	return b.String(), nil
}
