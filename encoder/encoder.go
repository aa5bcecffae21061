package encoder

import "math"

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BytesPerSec   = SampleRate * Channels * BitsPerSample / 8
)

// Samples returns how many samples cover the given duration at SampleRate.
func Samples(seconds float64) int {
	return int(seconds * SampleRate)
}

// RMS is the root-mean-square level of samples in [-1, 1]. Empty input is 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}
