package main

import (
	"slices"
	"testing"

	"callshield/analysis"
	"callshield/protocol"
	"callshield/session"
)

type playLog struct{ played []string }

func (p *playLog) PlayStart() { p.played = append(p.played, "start") }
func (p *playLog) PlayEnd()   { p.played = append(p.played, "end") }
func (p *playLog) PlayError() { p.played = append(p.played, "error") }
func (p *playLog) PlayAlarm() { p.played = append(p.played, "alarm") }

func estimate(v protocol.Verdict) analysis.Estimate {
	return analysis.Estimate{HasScore: true, Verdict: v}
}

func TestAlarmOnEscalation(t *testing.T) {
	p := &playLog{}
	e := newAlertEvents(session.NopEvents{}, p)

	e.RecordingActive(true)
	for _, v := range []protocol.Verdict{
		protocol.VerdictSafe,
		protocol.VerdictSuspicious,
		protocol.VerdictLikelyScam,
		protocol.VerdictLikelyScam, // no repeat at the same level
		protocol.VerdictSuspicious,
		protocol.VerdictScam,
		protocol.VerdictLikelyScam,
	} {
		e.Partial(protocol.PartialResult{}, estimate(v))
	}
	e.RecordingActive(false)
	e.StateChanged(session.Errored)

	want := []string{"start", "alarm", "alarm", "end", "error"}
	if !slices.Equal(p.played, want) {
		t.Errorf("played %v, want %v", p.played, want)
	}
}

func TestAlarmResetsPerRecording(t *testing.T) {
	p := &playLog{}
	e := newAlertEvents(session.NopEvents{}, p)

	e.RecordingActive(true)
	e.Partial(protocol.PartialResult{}, estimate(protocol.VerdictScam))
	e.RecordingActive(true)
	e.Partial(protocol.PartialResult{}, estimate(protocol.VerdictScam))

	want := []string{"start", "alarm", "start", "alarm"}
	if !slices.Equal(p.played, want) {
		t.Errorf("played %v, want %v", p.played, want)
	}
}

func TestNoAlarmWithoutScore(t *testing.T) {
	p := &playLog{}
	e := newAlertEvents(session.NopEvents{}, p)
	e.Partial(protocol.PartialResult{}, analysis.Estimate{Verdict: protocol.VerdictScam})
	if len(p.played) != 0 {
		t.Errorf("played %v", p.played)
	}
}
