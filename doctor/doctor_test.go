package doctor

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"callshield/analyzer"
	"callshield/analyzer/analyzertest"
	"callshield/audio"
	"callshield/encoder"
	"callshield/session"
)

func speech(seconds float64) []float32 {
	s := make([]float32, encoder.Samples(seconds))
	for i := range s {
		s[i] = 0.3 * float32(math.Sin(2*math.Pi*220*float64(i)/encoder.SampleRate))
	}
	return s
}

func TestCheckCaptureFormat(t *testing.T) {
	if err := CheckCaptureFormat(); err != nil {
		t.Fatal(err)
	}
}

func TestCheckAnalyzerRoundTrip(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{Scores: []float64{0.9}})
	defer srv.Close()

	var out bytes.Buffer
	if err := CheckAnalyzer(context.Background(), analyzer.Config{URL: srv.URL()}, testTone(), &out); err != nil {
		t.Fatalf("CheckAnalyzer: %v\n%s", err, out.String())
	}
	for _, want := range []string{"Partial result", "Final result", "PASS"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCheckAnalyzerReportsChunkError(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{FailChunks: []int{1}})
	defer srv.Close()

	err := CheckAnalyzer(context.Background(), analyzer.Config{URL: srv.URL()}, testTone(), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "Chunk processing failed") {
		t.Errorf("err = %v", err)
	}
}

func TestCheckAnalyzerConnectionLost(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{DropAfter: 1})
	defer srv.Close()

	err := CheckAnalyzer(context.Background(), analyzer.Config{URL: srv.URL()}, testTone(), &bytes.Buffer{})
	if !errors.Is(err, session.ErrConnectionLost) {
		t.Errorf("err = %v", err)
	}
}

func TestCheckAnalyzerUnauthorized(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{APIKeys: []string{"cs_key"}})
	defer srv.Close()

	err := CheckAnalyzer(context.Background(), analyzer.Config{URL: srv.URL()}, testTone(), &bytes.Buffer{})
	if !errors.Is(err, analyzer.ErrUnauthorized) {
		t.Errorf("err = %v", err)
	}
}

func TestRecordFromFake(t *testing.T) {
	actx := audio.NewFakeContextSamples(speech(0.5), false)
	got, err := Record(context.Background(), actx, nil, 10*time.Millisecond, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != encoder.Samples(0.5) {
		t.Errorf("recorded %d samples", len(got))
	}
}

func TestCheckMicrophoneDetectsSilence(t *testing.T) {
	opts := Options{
		Audio: audio.NewFakeContextSamples(make([]float32, 8000), false),
		In:    strings.NewReader("\n"),
		Out:   &bytes.Buffer{},
	}
	samples, err := checkMicrophone(context.Background(), opts)
	if err == nil || !strings.Contains(err.Error(), "no voice") {
		t.Errorf("err = %v", err)
	}
	if len(samples) != 8000 {
		t.Errorf("samples = %d", len(samples))
	}
}

func TestCheckMicrophoneDeviceFailure(t *testing.T) {
	actx := audio.NewFakeContextSamples(nil, false)
	actx.StartErr = errors.New("busy")
	_, err := checkMicrophone(context.Background(), Options{
		Audio: actx,
		In:    strings.NewReader("\n"),
		Out:   &bytes.Buffer{},
	})
	if !errors.Is(err, session.ErrDeviceUnavailable) {
		t.Errorf("err = %v", err)
	}
}
