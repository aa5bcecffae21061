package audio

import (
	"errors"
	"strings"

	"callshield/encoder"
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether it is a headset whose
// narrow-band codec strips the cues the analyzer listens for.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives mono samples in [-1, 1]. The slice is only valid
// for the duration of the call.
type DataCallback func(samples []float32)

// CaptureConfig describes the capture stream. The DSP switches exist so the
// contract is explicit: none of the backends can enable them, and
// Validate rejects a config that asks for them.
type CaptureConfig struct {
	SampleRate       uint32
	Channels         uint32
	NoiseSuppression bool
	EchoCancellation bool
	AutoGainControl  bool
}

// DefaultCaptureConfig is the only configuration the analyzer accepts:
// mono 16 kHz with all voice processing off.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	}
}

var ErrUnsupportedConfig = errors.New("audio: unsupported capture config")

func (c CaptureConfig) Validate() error {
	if c.SampleRate != encoder.SampleRate || c.Channels != encoder.Channels {
		return ErrUnsupportedConfig
	}
	if c.NoiseSuppression || c.EchoCancellation || c.AutoGainControl {
		return ErrUnsupportedConfig
	}
	return nil
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

// CaptureDevice delivers samples to its callback between Start and Stop.
// No callback runs after Stop returns.
type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}
