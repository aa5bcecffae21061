package session

import (
	"callshield/analysis"
	"callshield/protocol"
)

// Events abstracts the display layer. All calls for one session come from
// its control goroutine, one at a time; implementations must not block.
type Events interface {
	StateChanged(state State)
	RecordingActive(active bool)
	AudioLevel(level float64)
	Partial(result protocol.PartialResult, est analysis.Estimate)
	Final(result protocol.FinalResult)
	Error(msg string)
	NoVoiceWarning(active bool)
}

type NopEvents struct{}

func (NopEvents) StateChanged(State)                                {}
func (NopEvents) RecordingActive(bool)                              {}
func (NopEvents) AudioLevel(float64)                                {}
func (NopEvents) Partial(protocol.PartialResult, analysis.Estimate) {}
func (NopEvents) Final(protocol.FinalResult)                        {}
func (NopEvents) Error(string)                                      {}
func (NopEvents) NoVoiceWarning(bool)                               {}
