package main

import (
	"slices"

	"callshield/analysis"
	"callshield/beep"
	"callshield/protocol"
	"callshield/session"
)

// verdictOrder ranks verdicts from least to most severe.
var verdictOrder = []protocol.Verdict{
	protocol.VerdictSafe,
	protocol.VerdictSuspicious,
	protocol.VerdictLikelyScam,
	protocol.VerdictScam,
}

func verdictRank(v protocol.Verdict) int {
	return slices.Index(verdictOrder, v)
}

type player interface {
	PlayStart()
	PlayEnd()
	PlayError()
	PlayAlarm()
}

type beepPlayer struct{}

func (beepPlayer) PlayStart() { beep.PlayStart() }
func (beepPlayer) PlayEnd()   { beep.PlayEnd() }
func (beepPlayer) PlayError() { beep.PlayError() }
func (beepPlayer) PlayAlarm() { beep.PlayAlarm() }

// alertEvents sounds the alarm each time the running verdict climbs to a
// new level at or above LIKELY_SCAM, and ticks when capture starts or
// stops. Everything else passes through.
type alertEvents struct {
	session.Events
	play    player
	alerted int // rank of the loudest alarm this session
}

func newAlertEvents(next session.Events, play player) *alertEvents {
	return &alertEvents{Events: next, play: play, alerted: -1}
}

func (e *alertEvents) RecordingActive(active bool) {
	if active {
		e.alerted = -1
		e.play.PlayStart()
	} else {
		e.play.PlayEnd()
	}
	e.Events.RecordingActive(active)
}

func (e *alertEvents) StateChanged(s session.State) {
	if s == session.Errored {
		e.play.PlayError()
	}
	e.Events.StateChanged(s)
}

func (e *alertEvents) Partial(r protocol.PartialResult, est analysis.Estimate) {
	if est.HasScore {
		rank := verdictRank(est.Verdict)
		if rank >= verdictRank(protocol.VerdictLikelyScam) && rank > e.alerted {
			e.alerted = rank
			e.play.PlayAlarm()
		}
	}
	e.Events.Partial(r, est)
}
