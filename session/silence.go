package session

import "time"

const (
	silenceWarnAfter = 8 * time.Second
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // higher threshold to clear warning (hysteresis)

	// VoiceLevel is the block RMS below which a tick counts as silence,
	// 500 on the int16 scale.
	VoiceLevel = 500.0 / 32768
)

type silenceEvent int

const (
	silenceNone  silenceEvent = iota
	silenceWarn               // no voice for the whole window
	silenceClear              // voice resumed after a warning
)

type silenceMonitor struct {
	window []bool
	ticks  int
	warned bool
}

func newSilenceMonitor(tick time.Duration) *silenceMonitor {
	n := int(silenceWarnAfter / tick)
	if n < 1 {
		n = 1
	}
	return &silenceMonitor{window: make([]bool, n)}
}

func (m *silenceMonitor) ratio() float64 {
	n := min(m.ticks, len(m.window))
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[i] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasVoice bool) silenceEvent {
	m.window[m.ticks%len(m.window)] = hasVoice
	m.ticks++

	r := m.ratio()
	if m.ticks >= len(m.window) && r < speechMinRatio && !m.warned {
		m.warned = true
		return silenceWarn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return silenceClear
	}
	return silenceNone
}
