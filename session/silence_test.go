package session

import (
	"testing"
	"time"
)

func testMonitor() *silenceMonitor {
	return newSilenceMonitor(100 * time.Millisecond)
}

func feedN(m *silenceMonitor, voice bool, n int) silenceEvent {
	var last silenceEvent
	for i := 0; i < n; i++ {
		last = m.Tick(voice)
	}
	return last
}

func TestSilenceWarnAfter8s(t *testing.T) {
	m := testMonitor()
	// 79 ticks of silence, no warning yet
	for i := 0; i < 79; i++ {
		if ev := m.Tick(false); ev != silenceNone {
			t.Fatalf("unexpected event at tick %d: %d", i, ev)
		}
	}
	// 80th tick triggers warning (8s)
	if ev := m.Tick(false); ev != silenceWarn {
		t.Fatalf("expected silenceWarn at tick 80, got %d", ev)
	}
}

func TestSilenceWarnOnlyOnce(t *testing.T) {
	m := testMonitor()
	feedN(m, false, 80)
	for i := 0; i < 200; i++ {
		if ev := m.Tick(false); ev == silenceWarn {
			t.Fatalf("warned again at tick %d", i)
		}
	}
}

func TestSilenceWarnClearsOnVoice(t *testing.T) {
	m := testMonitor()
	feedN(m, false, 80)

	// Sustained voice clears the warning (25% of the 80-tick window)
	for i := 0; i < 80; i++ {
		if m.Tick(true) == silenceClear {
			if i+1 < 20 {
				t.Errorf("cleared after %d ticks, before reaching the clear ratio", i+1)
			}
			return
		}
	}
	t.Fatal("expected silenceClear after voice")
}

func TestNoWarnDuringVoice(t *testing.T) {
	m := testMonitor()
	for i := 0; i < 200; i++ {
		if ev := m.Tick(true); ev == silenceWarn {
			t.Fatalf("unexpected warn during voice at tick %d", i)
		}
	}
}

func TestSparseVoiceAboveMinRatio(t *testing.T) {
	m := testMonitor()
	// one voiced tick in five keeps the ratio at 20%
	for i := 0; i < 400; i++ {
		if ev := m.Tick(i%5 == 0); ev == silenceWarn {
			t.Fatalf("warned at tick %d with 20%% voice", i)
		}
	}
}

func TestMonitorTinyInterval(t *testing.T) {
	m := newSilenceMonitor(time.Minute)
	if len(m.window) != 1 {
		t.Fatalf("window = %d", len(m.window))
	}
	if ev := m.Tick(false); ev != silenceWarn {
		t.Errorf("event = %d", ev)
	}
}

func TestMeterPeakHold(t *testing.T) {
	var m meter
	m.observe([]float32{0.1, -0.1})
	m.observe([]float32{0.5, -0.5})
	m.observe([]float32{0.2})
	if got := m.take(); got < 0.499 || got > 0.501 {
		t.Errorf("take = %v, want the loudest block", got)
	}
	if got := m.take(); got != 0 {
		t.Errorf("second take = %v, want reset", got)
	}
}

func TestVoiceLevelMatchesAnalyzerCutoff(t *testing.T) {
	if got := VoiceLevel * 32768; got < 499.99 || got > 500.01 {
		t.Errorf("VoiceLevel = %v on the int16 scale", got)
	}
}
