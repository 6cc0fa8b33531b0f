// internal/scenario/vars.go
package scenario

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Built-in placeholder names.
const (
	VarRunID    = "RUN_ID"
	VarScenario = "SCENARIO"
	VarToday    = "TODAY"
	VarUnique   = "UNIQUE"
	VarBaseURL  = "BASE_URL"
)

var placeholderPattern = regexp.MustCompile(`<([A-Z][A-Z0-9_]*)>`)

// Vars resolves <NAME> placeholders. Lookups go through the scenario layer, then the
// suite layer, then the built-ins.
type Vars struct {
	scenario map[string]string
	suite    map[string]string
	builtins map[string]string
}

func newVars(scenario, suite, builtins map[string]string) *Vars {
	v := &Vars{
		scenario: make(map[string]string, len(scenario)),
		suite:    suite,
		builtins: builtins,
	}
	for k, val := range scenario {
		v.scenario[k] = val
	}
	return v
}

// Lookup returns the value bound to name.
func (v *Vars) Lookup(name string) (string, bool) {
	for _, layer := range []map[string]string{v.scenario, v.suite, v.builtins} {
		if val, ok := layer[name]; ok {
			return val, true
		}
	}
	return "", false
}

// Set binds name in the scenario layer.
func (v *Vars) Set(name, value string) { v.scenario[name] = value }

// Resolve substitutes every placeholder in s. Unknown placeholders are an error so a
// typo never reaches the application as literal text.
func (v *Vars) Resolve(s string) (string, error) {
	if !strings.Contains(s, "<") {
		return s, nil
	}
	missing := map[string]bool{}
	out := placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if val, ok := v.Lookup(name); ok {
			return val
		}
		missing[name] = true
		return m
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, "<"+n+">")
		}
		sort.Strings(names)
		return "", fmt.Errorf("unresolved placeholders %s in %q", strings.Join(names, ", "), s)
	}
	return out, nil
}

// Snapshot merges the suite and scenario layers, scenario values winning.
func (v *Vars) Snapshot() map[string]string {
	out := make(map[string]string, len(v.suite)+len(v.scenario))
	for k, val := range v.suite {
		out[k] = val
	}
	for k, val := range v.scenario {
		out[k] = val
	}
	return out
}
