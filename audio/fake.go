package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	"callshield/encoder"
)

const fakeFrameSize = 512

// FakeContext replays a fixed recording through the capture interface. With
// realtime set, frames are paced at the recording's sample rate; otherwise
// the whole recording is delivered inside Start.
type FakeContext struct {
	samples  []float32
	realtime bool

	// StartErr, when set, is returned by every capture's Start.
	StartErr error
	// OnCapture, when set, is called with every capture NewCapture creates.
	OnCapture func(*FakeCapture)
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	format, pcm, err := encoder.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", wavPath, err)
	}
	if format.SampleRate != encoder.SampleRate || format.Channels != encoder.Channels {
		return nil, fmt.Errorf("%s: need %d Hz mono, got %d Hz x%d",
			wavPath, encoder.SampleRate, format.SampleRate, format.Channels)
	}
	return NewFakeContextSamples(encoder.PCM16ToFloat(pcm), realtime), nil
}

func NewFakeContextSamples(samples []float32, realtime bool) *FakeContext {
	return &FakeContext{samples: samples, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &FakeCapture{
		samples:   f.samples,
		realtime:  f.realtime,
		startErr:  f.StartErr,
		audioDone: make(chan struct{}),
	}
	if f.OnCapture != nil {
		f.OnCapture(c)
	}
	return c, nil
}

// Duration is the length of the recording.
func (f *FakeContext) Duration() time.Duration {
	return time.Duration(len(f.samples)) * time.Second / encoder.SampleRate
}

type FakeCapture struct {
	samples   []float32
	realtime  bool
	startErr  error
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	stopped  bool
}

// AudioDone is closed once the recording has been delivered or capture
// was stopped part way through.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedFrame(pos int) int {
	end := min(pos+fakeFrameSize, len(f.samples))
	if cb := f.callback(); cb != nil {
		frame := make([]float32, end-pos)
		copy(frame, f.samples[pos:end])
		cb(frame)
	}
	return end
}

func (f *FakeCapture) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	if !f.realtime {
		for pos := 0; pos < len(f.samples); {
			pos = f.feedFrame(pos)
		}
		close(f.audioDone)
		close(f.feedDone)
		return nil
	}

	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(encoder.SampleRate)
	go func() {
		defer close(f.feedDone)
		defer close(f.audioDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for pos := 0; pos < len(f.samples); {
			select {
			case <-f.stopCh:
				return
			case <-ticker.C:
			}
			pos = f.feedFrame(pos)
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	f.mu.Lock()
	if !f.stopped {
		f.stopped = true
		close(f.stopCh)
	}
	f.mu.Unlock()
	<-f.feedDone
}

func (f *FakeCapture) Close() {}
