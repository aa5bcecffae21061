package doctor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"callshield/analyzer"
	"callshield/analyzer/analyzertest"
	"callshield/audio"
	"callshield/encoder"
	"callshield/protocol"
	"callshield/session"
	"callshield/shutdown"
)

const (
	recordDuration = 3 * time.Second
	replyTimeout   = 15 * time.Second
)

type Options struct {
	Analyzer analyzer.Config
	// Local runs the analyzer check against a built-in test analyzer
	// instead of Analyzer.URL.
	Local bool
	// Audio defaults to the platform capture backend.
	Audio audio.Context
	In    io.Reader
	Out   io.Writer
}

// Run executes the diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(opts Options) int {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	ctx, stop := shutdown.Context(context.Background())
	defer stop()
	resetTerminal()

	out := opts.Out
	fmt.Fprintln(out, "callshield doctor - system diagnostics")
	fmt.Fprintln(out, "======================================")

	allPass := true

	fmt.Fprintln(out)
	fmt.Fprintln(out, "[1/3] Capture format")
	if err := CheckCaptureFormat(); err != nil {
		fmt.Fprintf(out, "  FAIL: %v\n", err)
		allPass = false
	} else {
		fmt.Fprintln(out, "  PASS: 16 kHz mono PCM16, voice processing off")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "[2/3] Microphone")
	samples, err := checkMicrophone(ctx, opts)
	if err != nil {
		fmt.Fprintf(out, "  FAIL: %v\n", err)
		allPass = false
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "[3/3] Analyzer round trip")
	cfg := opts.Analyzer
	if opts.Local {
		srv := analyzertest.New(analyzertest.Options{})
		defer srv.Close()
		cfg = analyzer.Config{URL: srv.URL()}
		fmt.Fprintf(out, "  Using built-in analyzer at %s\n", cfg.URL)
	} else {
		fmt.Fprintf(out, "  Connecting to %s\n", cfg.URL)
	}
	if len(samples) == 0 {
		samples = testTone()
		fmt.Fprintln(out, "  No recording available, sending a test tone")
	}
	if err := CheckAnalyzer(ctx, cfg, samples, out); err != nil {
		fmt.Fprintf(out, "  FAIL: %v\n", err)
		allPass = false
	}

	fmt.Fprintln(out)
	if allPass {
		fmt.Fprintln(out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(out, "Some checks failed. See details above.")
	return 1
}

// CheckCaptureFormat verifies the fixed capture contract and that the WAV
// encoder produces headers the analyzer accepts.
func CheckCaptureFormat() error {
	if err := audio.DefaultCaptureConfig().Validate(); err != nil {
		return err
	}
	format, pcm, err := encoder.DecodeWAV(encoder.EncodeWAV(make([]float32, 160)))
	if err != nil {
		return fmt.Errorf("wav encoder: %w", err)
	}
	if format.SampleRate != encoder.SampleRate || format.Channels != encoder.Channels ||
		format.BitsPerSample != encoder.BitsPerSample || len(pcm) != 160 {
		return fmt.Errorf("wav encoder wrote %+v", format)
	}
	return nil
}

func checkMicrophone(ctx context.Context, opts Options) ([]float32, error) {
	actx := opts.Audio
	if actx == nil {
		var err error
		actx, err = audio.NewContext()
		if err != nil {
			return nil, fmt.Errorf("cannot connect to audio: %w", err)
		}
		defer actx.Close()
	}

	devices, err := actx.Devices()
	if err != nil {
		return nil, fmt.Errorf("cannot list devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, audio.ErrNoDevices
	}

	reader := bufio.NewReader(opts.In)
	out := opts.Out
	var device *audio.DeviceInfo
	if len(devices) == 1 {
		device = &devices[0]
		fmt.Fprintf(out, "Using device: %s\n", device.Name)
	} else {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Select input device:")
		for i, d := range devices {
			fmt.Fprintf(out, "  %d. %s\n", i+1, d.Name)
		}
		fmt.Fprintf(out, "Choice [1-%d]: ", len(devices))

		choice, _ := reader.ReadString('\n')
		choice = strings.TrimSpace(choice)
		idx := 0
		if choice != "" {
			fmt.Sscanf(choice, "%d", &idx)
			idx--
		}
		if idx < 0 || idx >= len(devices) {
			return nil, errors.New("invalid choice")
		}
		device = &devices[idx]
		fmt.Fprintf(out, "Selected: %s\n", device.Name)
	}
	if audio.IsBluetooth(device.Name) {
		fmt.Fprintln(out, "  Warning: Bluetooth headsets use a narrow-band codec; analysis may be weaker")
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Press Enter and speak for %d seconds...", int(recordDuration/time.Second))
	reader.ReadString('\n')

	samples, err := Record(ctx, actx, device, recordDuration, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", session.ErrDeviceUnavailable, err)
	}
	if len(samples) == 0 {
		return nil, errors.New("no audio captured")
	}

	level := encoder.RMS(samples)
	fmt.Fprintf(out, "  Recorded %.1fs, level %.4f\n", float64(len(samples))/encoder.SampleRate, level)
	if level < session.VoiceLevel {
		return samples, errors.New("no voice detected; the analyzer would treat this as silence")
	}
	fmt.Fprintln(out, "  PASS: voice detected")
	return samples, nil
}

// Record captures from device for d, or until ctx is done.
func Record(ctx context.Context, actx audio.Context, device *audio.DeviceInfo, d time.Duration, out io.Writer) ([]float32, error) {
	var buf []float32
	var bufMu sync.Mutex
	done := make(chan struct{})

	captureDevice, err := actx.NewCapture(device, audio.DefaultCaptureConfig())
	if err != nil {
		return nil, err
	}
	defer captureDevice.Close()

	captureDevice.SetCallback(func(block []float32) {
		bufMu.Lock()
		buf = append(buf, block...)
		bufMu.Unlock()
	})

	if err := captureDevice.Start(); err != nil {
		return nil, err
	}

	fmt.Fprint(out, "  Recording")
	ticker := time.NewTicker(500 * time.Millisecond)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fmt.Fprint(out, ".")
			}
		}
	}()

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	close(done)

	captureDevice.Stop()
	captureDevice.ClearCallback()
	fmt.Fprintln(out, " done")

	bufMu.Lock()
	defer bufMu.Unlock()
	return buf, ctx.Err()
}

// CheckAnalyzer sends samples as one chunk, then end_stream, and expects a
// partial result followed by a final result.
func CheckAnalyzer(ctx context.Context, cfg analyzer.Config, samples []float32, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	start := time.Now()
	conn, err := analyzer.Dial(dialCtx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintf(out, "  Connected in %dms\n", time.Since(start).Milliseconds())

	msgs := make(chan protocol.Message, 8)
	errs := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			msg, err := conn.Recv()
			if err != nil {
				var decodeErr *protocol.DecodeError
				if errors.As(err, &decodeErr) {
					fmt.Fprintf(out, "  Warning: %v\n", err)
					continue
				}
				errs <- err
				return
			}
			select {
			case msgs <- msg:
			case <-quit:
				return
			}
		}
	}()

	sent := time.Now()
	if err := conn.SendChunk(encoder.EncodeWAV(samples)); err != nil {
		return fmt.Errorf("send chunk: %w", err)
	}

	timeout := time.NewTimer(replyTimeout)
	defer timeout.Stop()
	gotPartial := false
	for {
		select {
		case msg := <-msgs:
			switch m := msg.(type) {
			case protocol.Connected:
				fmt.Fprintln(out, "  Analyzer greeted the stream")
			case *protocol.ErrorMessage:
				return fmt.Errorf("analyzer error: %s", m.Detail)
			case *protocol.PartialResult:
				gotPartial = true
				fmt.Fprintf(out, "  Partial result in %dms: score %.2f, %s\n",
					time.Since(sent).Milliseconds(), m.ScamScore, m.Verdict)
				if err := conn.EndStream(); err != nil {
					return fmt.Errorf("end stream: %w", err)
				}
				sent = time.Now()
			case *protocol.FinalResult:
				if !gotPartial {
					return errors.New("final result before any partial result")
				}
				fmt.Fprintf(out, "  Final result in %dms: combined %.2f, %s\n",
					time.Since(sent).Milliseconds(), m.CombinedScore, m.Verdict)
				fmt.Fprintln(out, "  PASS: analyzer round trip")
				return nil
			}
		case err := <-errs:
			return fmt.Errorf("%w: %w", session.ErrConnectionLost, err)
		case <-timeout.C:
			return errors.New("timed out waiting for the analyzer")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func testTone() []float32 {
	s := make([]float32, encoder.SampleRate)
	for i := range s {
		// 440 Hz square wave at half scale
		if (i/18)%2 == 0 {
			s[i] = 0.5
		} else {
			s[i] = -0.5
		}
	}
	return s
}
