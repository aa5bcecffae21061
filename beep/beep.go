// Package beep plays short cues: ticks when capture starts and stops, and an
// alarm when a call starts to look like a scam.
package beep

import (
	"math"
	"sync/atomic"
)

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

const (
	sampleRate = 44100

	// Start beep: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End beep: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error beep: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30

	// Alarm: three insistent mid-high beeps
	alarmFreq   = 1600
	alarmVolume = 0.7
	alarmDecay  = 12
)

type sounds struct {
	start, end, err, alarm []int16
}

func newSounds() sounds {
	return sounds{
		start: tick(startFreq, 0.2, startVolume, startDecay),
		end:   tick(endFreq, 0.2, endVolume, endDecay),
		err:   repeat(tick(errorFreq, 0.08, errorVolume, errorDecay), sampleRate*5/100, 2),
		alarm: repeat(tick(alarmFreq, 0.15, alarmVolume, alarmDecay), sampleRate*8/100, 3),
	}
}

// tick is a mono sine burst with an exponential decay envelope.
func tick(freq, duration, volume, decay float64) []int16 {
	n := int(sampleRate * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

// repeat plays beep n times with gap samples of silence in between.
func repeat(beep []int16, gap, n int) []int16 {
	silence := make([]int16, gap)
	result := make([]int16, 0, n*len(beep)+(n-1)*len(silence))
	for i := range n {
		if i > 0 {
			result = append(result, silence...)
		}
		result = append(result, beep...)
	}
	return result
}

func PlayStart() { play(func(s *sounds) []int16 { return s.start }) }
func PlayEnd()   { play(func(s *sounds) []int16 { return s.end }) }
func PlayError() { play(func(s *sounds) []int16 { return s.err }) }
func PlayAlarm() { play(func(s *sounds) []int16 { return s.alarm }) }

func play(pick func(*sounds) []int16) {
	if disabled.Load() {
		return
	}
	soundOnce.Do(initSound)
	go playSamples(pick(&loaded))
}
