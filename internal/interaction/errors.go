// internal/interaction/errors.go
package interaction

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies why an action unit failed.
type Kind string

const (
	KindPreconditionTimeout   Kind = "PreconditionTimeout"
	KindPostconditionTimeout  Kind = "PostconditionTimeout"
	KindLocatorExhausted      Kind = "LocatorExhausted"
	KindVerificationMismatch  Kind = "VerificationMismatch"
	KindActionDispatchFailure Kind = "ActionDispatchFailure"
)

// Sentinels for errors.Is matching against a *Failure.
var (
	ErrPreconditionTimeout   = errors.New("precondition timeout")
	ErrPostconditionTimeout  = errors.New("postcondition timeout")
	ErrLocatorExhausted      = errors.New("locator exhausted")
	ErrVerificationMismatch  = errors.New("verification mismatch")
	ErrActionDispatchFailure = errors.New("action dispatch failure")

	// ErrInvalidTimeout rejects waits without a positive, explicit timeout.
	ErrInvalidTimeout = errors.New("wait requires a positive timeout")
)

var kindSentinels = map[Kind]error{
	KindPreconditionTimeout:   ErrPreconditionTimeout,
	KindPostconditionTimeout:  ErrPostconditionTimeout,
	KindLocatorExhausted:      ErrLocatorExhausted,
	KindVerificationMismatch:  ErrVerificationMismatch,
	KindActionDispatchFailure: ErrActionDispatchFailure,
}

// StrategyAttempt records why one locator strategy did not produce a handle.
type StrategyAttempt struct {
	Strategy string
	Reason   string
}

// Failure is the typed outcome of a failed wait, resolution or action unit. It always
// names the logical target and the condition or verification involved.
type Failure struct {
	Kind      Kind
	Target    string
	Condition string
	Attempts  int

	Expected string
	Actual   string

	// Strategies lists every attempted strategy for LocatorExhausted failures.
	Strategies []StrategyAttempt

	Err error
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: target %q", f.Kind, f.Target)
	if f.Condition != "" {
		fmt.Fprintf(&b, ", condition %q", f.Condition)
	}
	if f.Kind == KindVerificationMismatch {
		fmt.Fprintf(&b, ", expected %q, actual %q", f.Expected, f.Actual)
	}
	if len(f.Strategies) > 0 {
		parts := make([]string, 0, len(f.Strategies))
		for _, s := range f.Strategies {
			parts = append(parts, s.Strategy+" ("+s.Reason+")")
		}
		fmt.Fprintf(&b, ", tried [%s]", strings.Join(parts, "; "))
	}
	fmt.Fprintf(&b, " after %d attempt(s)", f.Attempts)
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches the kind sentinel, so errors.Is(err, ErrLocatorExhausted) works on wrapped failures.
func (f *Failure) Is(target error) bool {
	return kindSentinels[f.Kind] == target
}

// retryable reports whether the sequencer may re-enter LOCATING after this failure.
func (f *Failure) retryable() bool {
	switch f.Kind {
	case KindLocatorExhausted, KindActionDispatchFailure, KindVerificationMismatch:
		return true
	default:
		return false
	}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// TimeoutError is returned by the waiter when a condition does not hold in time.
type TimeoutError struct {
	Condition string
	Timeout   time.Duration
	Elapsed   time.Duration
	// Last holds the final probe error, if the condition failed with one.
	Last error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %v waiting for %s", e.Timeout, e.Condition)
	if e.Last != nil {
		msg += ": last probe error: " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// IsTimeout reports whether err is (or wraps) a condition timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
