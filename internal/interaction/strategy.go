// internal/interaction/strategy.go
package interaction

import (
	"fmt"
	"strings"
)

// StrategyKind names one method of resolving a logical target to elements.
type StrategyKind string

const (
	ByTestID      StrategyKind = "test_id"
	ByRole        StrategyKind = "role"
	ByCSS         StrategyKind = "css"
	ByText        StrategyKind = "text"
	ByLabel       StrategyKind = "label"
	ByPlaceholder StrategyKind = "placeholder"
)

// Strategy is a single resolution rule. Name is only used by role strategies.
type Strategy struct {
	Kind  StrategyKind
	Value string
	Name  string
	Exact bool
}

func TestID(id string) Strategy { return Strategy{Kind: ByTestID, Value: id} }

// Role matches by ARIA role and, when name is non-empty, accessible name.
func Role(role, name string) Strategy { return Strategy{Kind: ByRole, Value: role, Name: name} }

func CSS(selector string) Strategy { return Strategy{Kind: ByCSS, Value: selector} }

func Text(text string) Strategy { return Strategy{Kind: ByText, Value: text} }

func Label(text string) Strategy { return Strategy{Kind: ByLabel, Value: text} }

func Placeholder(text string) Strategy { return Strategy{Kind: ByPlaceholder, Value: text} }

// Exactly returns a copy of s that requires full, case-sensitive text matches.
func (s Strategy) Exactly() Strategy {
	s.Exact = true
	return s
}

// Validate checks the strategy is usable.
func (s Strategy) Validate() error {
	switch s.Kind {
	case ByTestID, ByRole, ByCSS, ByText, ByLabel, ByPlaceholder:
	default:
		return fmt.Errorf("unknown locator strategy kind %q", s.Kind)
	}
	if strings.TrimSpace(s.Value) == "" {
		return fmt.Errorf("locator strategy %s requires a value", s.Kind)
	}
	return nil
}

func (s Strategy) String() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	b.WriteString("=")
	b.WriteString(fmt.Sprintf("%q", s.Value))
	if s.Kind == ByRole && s.Name != "" {
		b.WriteString(fmt.Sprintf("[name=%q]", s.Name))
	}
	if s.Exact {
		b.WriteString("[exact]")
	}
	return b.String()
}

// Mode is the add/edit form mode chosen by the calling scenario.
type Mode string

const (
	ModeUnset Mode = ""
	ModeAdd   Mode = "add"
	ModeEdit  Mode = "edit"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeUnset, ModeAdd, ModeEdit:
		return m, nil
	default:
		return ModeUnset, fmt.Errorf("unknown mode %q (want add or edit)", s)
	}
}

// Target is a logical UI element: a human description plus ordered strategies.
type Target struct {
	Description string
	Strategies  []Strategy

	// Unique turns multiple matches for a strategy into a failure instead of
	// picking the first candidate.
	Unique bool

	// PerMode overrides Strategies for a specific mode. When set, callers must
	// pass an explicit mode.
	PerMode map[Mode][]Strategy
}

// NewTarget builds a target from a description and ordered strategies.
func NewTarget(description string, strategies ...Strategy) Target {
	return Target{Description: description, Strategies: strategies}
}

// StrategiesFor returns the ordered strategies to try for mode.
func (t Target) StrategiesFor(mode Mode) ([]Strategy, error) {
	if len(t.PerMode) == 0 {
		return t.Strategies, nil
	}
	if mode == ModeUnset {
		return nil, fmt.Errorf("target %q has mode-specific strategies but no mode was given", t.Description)
	}
	if s, ok := t.PerMode[mode]; ok && len(s) > 0 {
		return s, nil
	}
	if len(t.Strategies) > 0 {
		return t.Strategies, nil
	}
	return nil, fmt.Errorf("target %q has no strategies for mode %q", t.Description, mode)
}

// ForMode returns a copy of t with the strategies for mode fixed in place.
func (t Target) ForMode(mode Mode) (Target, error) {
	s, err := t.StrategiesFor(mode)
	if err != nil {
		return Target{}, err
	}
	out := t
	out.Strategies = s
	out.PerMode = nil
	return out, nil
}

func (t Target) String() string {
	if t.Description != "" {
		return t.Description
	}
	parts := make([]string, 0, len(t.Strategies))
	for _, s := range t.Strategies {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, " | ")
}
