package session

import (
	"math"
	"sync/atomic"

	"callshield/encoder"
)

// meter keeps the loudest block level seen since the last take. observe
// runs on the capture callback, take on the control goroutine.
type meter struct {
	peak atomic.Uint64
}

func (m *meter) observe(block []float32) {
	v := encoder.RMS(block)
	for {
		old := m.peak.Load()
		if v <= math.Float64frombits(old) {
			return
		}
		if m.peak.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}

func (m *meter) take() float64 {
	return math.Float64frombits(m.peak.Swap(0))
}
