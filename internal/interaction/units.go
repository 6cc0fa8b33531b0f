// internal/interaction/units.go
package interaction

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ActionKind is the primitive an action unit performs.
type ActionKind string

const (
	ActClick  ActionKind = "click"
	ActFill   ActionKind = "fill"
	ActSelect ActionKind = "select"
	ActClear  ActionKind = "clear"
)

// Action is one primitive plus its argument.
type Action struct {
	Kind  ActionKind
	Value string
}

func Click() Action                    { return Action{Kind: ActClick} }
func Fill(value string) Action         { return Action{Kind: ActFill, Value: value} }
func SelectOption(value string) Action { return Action{Kind: ActSelect, Value: value} }
func Clear() Action                    { return Action{Kind: ActClear} }

func (a Action) String() string {
	switch a.Kind {
	case ActFill, ActSelect:
		return fmt.Sprintf("%s %q", a.Kind, a.Value)
	default:
		return string(a.Kind)
	}
}

func (a Action) dispatch(ctx context.Context, h Handle) error {
	switch a.Kind {
	case ActClick:
		return h.Click(ctx)
	case ActFill:
		// Clear first so a repeated fill never appends.
		if err := h.Clear(ctx); err != nil {
			return fmt.Errorf("clearing before fill: %w", err)
		}
		return h.Fill(ctx, a.Value)
	case ActSelect:
		return h.SelectOption(ctx, a.Value)
	case ActClear:
		return h.Clear(ctx)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// ReadKind selects what a verification reads from the handle.
type ReadKind string

const (
	ReadValue ReadKind = "value"
	ReadText  ReadKind = "text"
)

// Verification is a read-back check. When Match is nil the read value must equal Expected.
type Verification struct {
	Read        ReadKind
	Expected    string
	Match       func(actual string) bool
	Description string
}

// ValueEquals verifies the handle's input value.
func ValueEquals(expected string) *Verification {
	return &Verification{Read: ReadValue, Expected: expected}
}

// TextContains verifies the handle's text content contains fragment.
func TextContains(fragment string) *Verification {
	return &Verification{
		Read:        ReadText,
		Expected:    fragment,
		Match:       func(actual string) bool { return strings.Contains(actual, fragment) },
		Description: fmt.Sprintf("text contains %q", fragment),
	}
}

// Describe names the verification for failure reports.
func (v *Verification) Describe() string {
	if v.Description != "" {
		return v.Description
	}
	read := v.Read
	if read == "" {
		read = ReadValue
	}
	return fmt.Sprintf("%s equals %q", read, v.Expected)
}

func (v *Verification) read(ctx context.Context, h Handle) (string, error) {
	if v.Read == ReadText {
		return h.TextContent(ctx)
	}
	return h.InputValue(ctx)
}

func (v *Verification) matches(actual string) bool {
	if v.Match != nil {
		return v.Match(actual)
	}
	return actual == v.Expected
}

// ActionUnit is the atomic, retryable interaction the sequencer executes.
type ActionUnit struct {
	Target Target
	Action Action

	// Pre defaults to the resolved handle being visible and enabled.
	Pre Condition
	// Post is armed before the action so fast responses are not missed.
	Post   Condition
	Verify *Verification
	// Guard, when it already holds before acting, completes the unit without acting.
	Guard *Verification

	Mode Mode

	LocateTimeout time.Duration
	PreTimeout    time.Duration
	PostTimeout   time.Duration

	// SoftPost downgrades a post-condition timeout to a warning.
	SoftPost bool
}

// Phase is a sequencer state.
type Phase string

const (
	PhasePending     Phase = "PENDING"
	PhaseLocating    Phase = "LOCATING"
	PhaseWaitingPre  Phase = "WAITING_PRE"
	PhaseActing      Phase = "ACTING"
	PhaseWaitingPost Phase = "WAITING_POST"
	PhaseVerifying   Phase = "VERIFYING"
	PhaseRetry       Phase = "RETRY"
	PhaseDone        Phase = "DONE"
	PhaseFailed      Phase = "FAILED"
)

// Outcome describes a completed action unit.
type Outcome struct {
	Attempts int
	Skipped  bool
	Warnings []string
	Trace    []Phase
	Strategy Strategy
	Duration time.Duration
}
