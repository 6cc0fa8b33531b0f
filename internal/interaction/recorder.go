// internal/interaction/recorder.go
package interaction

import "time"

// Recorder receives measurements from the waiter, locator and sequencer.
// observability.Metrics implements it with prometheus collectors.
type Recorder interface {
	ObserveWait(conditionKind string, d time.Duration, err error)
	ObserveStrategy(kind StrategyKind, result string)
	ObserveUnit(action ActionKind, outcome string, attempts int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveWait(string, time.Duration, error) {}
func (nopRecorder) ObserveStrategy(StrategyKind, string)    {}
func (nopRecorder) ObserveUnit(ActionKind, string, int)     {}

// NopRecorder discards every measurement.
var NopRecorder Recorder = nopRecorder{}
