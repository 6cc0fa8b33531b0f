// internal/scenario/expr.go
package scenario

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultTagFilter runs everything not tagged skip.
const DefaultTagFilter = `not ("skip" in tags)`

type tagEnv struct {
	Tags []string `expr:"tags"`
	Name string   `expr:"name"`
}

// TagFilter selects scenarios with a boolean expression over tags and name.
type TagFilter struct {
	source  string
	program *vm.Program
}

// CompileTagFilter compiles source once. An empty source uses DefaultTagFilter.
func CompileTagFilter(source string) (*TagFilter, error) {
	if strings.TrimSpace(source) == "" {
		source = DefaultTagFilter
	}
	program, err := expr.Compile(source, expr.Env(tagEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("tag filter compile error: %w", err)
	}
	return &TagFilter{source: source, program: program}, nil
}

// Match reports whether a scenario should run. A leading @ on tags is ignored.
func (f *TagFilter) Match(name string, tags []string) (bool, error) {
	norm := make([]string, len(tags))
	for i, t := range tags {
		norm[i] = strings.TrimPrefix(t, "@")
	}
	out, err := expr.Run(f.program, tagEnv{Tags: norm, Name: name})
	if err != nil {
		return false, fmt.Errorf("tag filter eval error for %q: %w", f.source, err)
	}
	return out.(bool), nil
}

func (f *TagFilter) String() string { return f.source }

type predicateEnv struct {
	Actual string            `expr:"actual"`
	Vars   map[string]string `expr:"vars"`
}

// predicate is a compiled expect expression over actual.
type predicate struct {
	source  string
	program *vm.Program
}

func compilePredicate(source string) (*predicate, error) {
	program, err := expr.Compile(source, expr.Env(predicateEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}
	return &predicate{source: source, program: program}, nil
}

func (p *predicate) eval(actual string, vars map[string]string) (bool, error) {
	out, err := expr.Run(p.program, predicateEnv{Actual: actual, Vars: vars})
	if err != nil {
		return false, fmt.Errorf("expression eval error for %q: %w", p.source, err)
	}
	return out.(bool), nil
}
