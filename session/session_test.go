package session

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"callshield/analysis"
	"callshield/analyzer"
	"callshield/analyzer/analyzertest"
	"callshield/audio"
	"callshield/encoder"
	"callshield/metrics"
	"callshield/protocol"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recorder struct {
	mu       sync.Mutex
	states   []State
	errors   []string
	partials []analysis.Estimate
	finals   []protocol.FinalResult
	active   []bool
	noVoice  []bool
	levels   int
}

func (r *recorder) StateChanged(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) RecordingActive(a bool) {
	r.mu.Lock()
	r.active = append(r.active, a)
	r.mu.Unlock()
}

func (r *recorder) AudioLevel(float64) {
	r.mu.Lock()
	r.levels++
	r.mu.Unlock()
}

func (r *recorder) Partial(_ protocol.PartialResult, est analysis.Estimate) {
	r.mu.Lock()
	r.partials = append(r.partials, est)
	r.mu.Unlock()
}

func (r *recorder) Final(f protocol.FinalResult) {
	r.mu.Lock()
	r.finals = append(r.finals, f)
	r.mu.Unlock()
}

func (r *recorder) Error(msg string) {
	r.mu.Lock()
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}

func (r *recorder) NoVoiceWarning(a bool) {
	r.mu.Lock()
	r.noVoice = append(r.noVoice, a)
	r.mu.Unlock()
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		states:   append([]State(nil), r.states...),
		errors:   append([]string(nil), r.errors...),
		partials: append([]analysis.Estimate(nil), r.partials...),
		finals:   append([]protocol.FinalResult(nil), r.finals...),
		active:   append([]bool(nil), r.active...),
		noVoice:  append([]bool(nil), r.noVoice...),
		levels:   r.levels,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func tone(seconds float64) []float32 {
	s := make([]float32, encoder.Samples(seconds))
	for i := range s {
		s[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/encoder.SampleRate))
	}
	return s
}

func serverOptions(srv *analyzertest.Server, samples []float32, rec *recorder) Options {
	return Options{
		Audio:  audio.NewFakeContextSamples(samples, false),
		Dial:   analyzer.Dialer(analyzer.Config{URL: srv.URL()}),
		URL:    srv.URL(),
		Events: rec,
	}
}

func stop(t *testing.T, s *Session) (Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Stop(ctx)
}

func TestStopWithoutAudioSendsOnlyEndStream(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{})
	defer srv.Close()
	rec := &recorder{}

	s, err := Start(context.Background(), serverOptions(srv, nil, rec))
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != Streaming {
		t.Fatalf("state after Start = %s", s.State())
	}

	out, err := stop(t, s)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if out.Final == nil || out.Final.TotalChunks != 0 {
		t.Fatalf("final = %+v", out.Final)
	}
	if out.State != Closed || out.ChunksSent != 0 {
		t.Errorf("outcome = %+v", out)
	}

	streams := srv.Streams()
	if len(streams) != 1 {
		t.Fatalf("server saw %d streams", len(streams))
	}
	if got := strings.Join(streams[0].Frames, ","); got != protocol.TypeEndStream {
		t.Errorf("frames = %s, want only end_stream", got)
	}

	want := []State{Connecting, Streaming, Stopping, Finalizing, Closed}
	if got := rec.snapshot().states; !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestShortRecordingIsOneFlushedChunk(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{Scores: []float64{0.7}})
	defer srv.Close()
	rec := &recorder{}

	samples := tone(1)
	s, err := Start(context.Background(), serverOptions(srv, samples, rec))
	if err != nil {
		t.Fatal(err)
	}
	out, err := stop(t, s)
	if err != nil {
		t.Fatal(err)
	}

	st := srv.Streams()[0]
	if got := strings.Join(st.Frames, ","); got != "chunk,end_stream" {
		t.Fatalf("frames = %s", got)
	}
	if len(st.Chunks[0]) != encoder.WAVHeaderSize+2*len(samples) {
		t.Errorf("chunk is %d bytes, want %d", len(st.Chunks[0]), encoder.WAVHeaderSize+2*len(samples))
	}
	if out.ChunksSent != 1 || len(out.Results) != 1 {
		t.Errorf("sent %d, results %d", out.ChunksSent, len(out.Results))
	}
	if out.Final == nil || out.Final.TotalChunks != 1 {
		t.Errorf("final = %+v", out.Final)
	}
	snap := rec.snapshot()
	if len(snap.partials) != 1 || len(snap.finals) != 1 {
		t.Errorf("events: %d partials, %d finals", len(snap.partials), len(snap.finals))
	}
	if !slices.Equal(snap.active, []bool{true, false}) {
		t.Errorf("recording events = %v", snap.active)
	}
}

func TestChunksFollowThresholds(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{Scores: []float64{0.2, 0.9}})
	defer srv.Close()

	samples := tone(5)
	s, err := Start(context.Background(), serverOptions(srv, samples, &recorder{}))
	if err != nil {
		t.Fatal(err)
	}
	out, err := stop(t, s)
	if err != nil {
		t.Fatal(err)
	}

	st := srv.Streams()[0]
	if got := strings.Join(st.Frames, ","); got != "chunk,chunk,end_stream" {
		t.Fatalf("frames = %s", got)
	}
	total := 0
	for i, c := range st.Chunks {
		n := (len(c) - encoder.WAVHeaderSize) / 2
		total += n
		if i == 0 && n < 2*encoder.SampleRate {
			t.Errorf("first chunk has %d samples, below the first threshold", n)
		}
	}
	if total != len(samples) {
		t.Errorf("server received %d samples, captured %d", total, len(samples))
	}
	if out.Estimate.Peak != 0.9 {
		t.Errorf("peak = %v", out.Estimate.Peak)
	}
}

func TestUnexpectedCloseIsConnectionLost(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{DropAfter: 1})
	defer srv.Close()
	rec := &recorder{}

	s, err := Start(context.Background(), serverOptions(srv, tone(3), rec))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not notice the dropped connection")
	}

	if s.State() != Errored {
		t.Errorf("state = %s", s.State())
	}
	out, err := stop(t, s)
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Stop err = %v", err)
	}
	if out.Final != nil {
		t.Error("final result reported after connection loss")
	}
	snap := rec.snapshot()
	if len(snap.finals) != 0 {
		t.Error("Final event after connection loss")
	}
	if len(snap.errors) == 0 || snap.errors[len(snap.errors)-1] != "connection lost" {
		t.Errorf("errors = %q", snap.errors)
	}
}

func TestFinalizeTimeout(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{NoFinal: true})
	defer srv.Close()

	opts := serverOptions(srv, tone(0.5), &recorder{})
	opts.FinalizeTimeout = 100 * time.Millisecond
	s, err := Start(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	out, err := stop(t, s)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !out.TimedOut || out.Final != nil || out.State != Closed {
		t.Errorf("outcome = %+v", out)
	}
	waitFor(t, "end_stream at the analyzer", func() bool { return srv.Streams()[0].EndStreams == 1 })
}

func TestAnalyzerErrorKeepsStreaming(t *testing.T) {
	srv := analyzertest.New(analyzertest.Options{FailChunks: []int{1}})
	defer srv.Close()
	rec := &recorder{}

	s, err := Start(context.Background(), serverOptions(srv, tone(1), rec))
	if err != nil {
		t.Fatal(err)
	}
	out, err := stop(t, s)
	if err != nil {
		t.Fatal(err)
	}
	if out.Final == nil {
		t.Fatal("no final result")
	}
	snap := rec.snapshot()
	if len(snap.errors) != 1 || !strings.HasPrefix(snap.errors[0], "Chunk processing failed") {
		t.Errorf("errors = %q", snap.errors)
	}
}

func TestProtocolErrorIsReportedNotFatal(t *testing.T) {
	conn := analyzer.NewFakeConn()
	conn.OnEndStream = func(c *analyzer.FakeConn) {
		c.Deliver(&protocol.FinalResult{Verdict: protocol.VerdictSafe})
	}
	rec := &recorder{}
	m := metrics.New()

	s, err := Start(context.Background(), Options{
		Audio:   audio.NewFakeContextSamples(nil, false),
		Dial:    conn.Dialer(),
		Events:  rec,
		Metrics: m,
	})
	if err != nil {
		t.Fatal(err)
	}
	conn.DeliverErr(&protocol.DecodeError{Reason: "invalid json"})
	waitFor(t, "protocol error event", func() bool { return len(rec.snapshot().errors) == 1 })

	out, err := stop(t, s)
	if err != nil {
		t.Fatal(err)
	}
	if out.Final == nil || out.State != Closed {
		t.Errorf("outcome = %+v", out)
	}
	if got := testutil.ToFloat64(m.ProtocolErrors); got != 1 {
		t.Errorf("protocol error metric = %v", got)
	}
	if !conn.Closed() {
		t.Error("transport left open")
	}
}

func TestPartialResultsReachEvents(t *testing.T) {
	conn := analyzer.NewFakeConn()
	rec := &recorder{}
	s, err := Start(context.Background(), Options{
		Audio:  audio.NewFakeContextSamples(nil, false),
		Dial:   conn.Dialer(),
		Events: rec,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	conn.Deliver(protocol.Connected{})
	conn.Deliver(&protocol.PartialResult{ChunkIndex: 1, ScamScore: 0.9, CumulativeScore: 0.63})
	conn.Deliver(&protocol.PartialResult{ChunkIndex: 2, ScamScore: 0.1, CumulativeScore: 0.26})
	waitFor(t, "two partials", func() bool { return len(rec.snapshot().partials) == 2 })

	est := rec.snapshot().partials[1]
	if est.Peak != 0.9 || est.Cumulative != 0.26 || est.Trend != analysis.TrendFalling {
		t.Errorf("estimate = %+v", est)
	}
}

func TestDroppedFakeConnIsConnectionLost(t *testing.T) {
	conn := analyzer.NewFakeConn()
	s, err := Start(context.Background(), Options{
		Audio: audio.NewFakeContextSamples(nil, false),
		Dial:  conn.Dialer(),
	})
	if err != nil {
		t.Fatal(err)
	}
	conn.Drop()
	<-s.Done()
	if !errors.Is(s.Err(), ErrConnectionLost) {
		t.Errorf("err = %v", s.Err())
	}
}

func TestConnectionLostWhileFinalizing(t *testing.T) {
	conn := analyzer.NewFakeConn()
	conn.OnEndStream = func(c *analyzer.FakeConn) { c.Drop() }
	rec := &recorder{}

	s, err := Start(context.Background(), Options{
		Audio:  audio.NewFakeContextSamples(tone(1), false),
		Dial:   conn.Dialer(),
		Events: rec,
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := stop(t, s)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("err = %v", err)
	}
	if out.Final != nil {
		t.Errorf("final = %+v after dropped connection", out.Final)
	}
	if out.State != Errored {
		t.Errorf("state = %v", out.State)
	}
	states := rec.snapshot().states
	want := []State{Stopping, Finalizing, Errored}
	if len(states) < len(want) || !slices.Equal(states[len(states)-len(want):], want) {
		t.Errorf("states = %v, want suffix %v", states, want)
	}
}

func TestDeviceFailure(t *testing.T) {
	ctx := audio.NewFakeContextSamples(nil, false)
	ctx.StartErr = errors.New("device busy")
	conn := analyzer.NewFakeConn()
	rec := &recorder{}

	s, err := Start(context.Background(), Options{Audio: ctx, Dial: conn.Dialer(), Events: rec})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if s != nil {
		t.Error("session returned on failure")
	}
	if !conn.Closed() {
		t.Error("transport left open after device failure")
	}
	states := rec.snapshot().states
	if len(states) == 0 || states[len(states)-1] != Errored {
		t.Errorf("states = %v", states)
	}
	for _, st := range states {
		if st == Streaming {
			t.Error("reached streaming without a device")
		}
	}
}

func TestDialFailure(t *testing.T) {
	dialErr := errors.New("refused")
	_, err := Start(context.Background(), Options{
		Audio: audio.NewFakeContextSamples(nil, false),
		Dial:  func(context.Context) (analyzer.Conn, error) { return nil, dialErr },
	})
	if !errors.Is(err, dialErr) {
		t.Errorf("err = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := analyzer.NewFakeConn()
	s, err := Start(context.Background(), Options{
		Audio: audio.NewFakeContextSamples(nil, false),
		Dial:  conn.Dialer(),
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close()
	if s.State() != Closed {
		t.Errorf("state = %s", s.State())
	}
	if !conn.Closed() {
		t.Error("transport open after Close")
	}
	out, err := stop(t, s)
	if err != nil || out.Final != nil {
		t.Errorf("Stop after Close = %+v, %v", out, err)
	}
	for _, f := range conn.Sent() {
		if f.EndStream {
			t.Error("Close sent end_stream")
		}
	}
}

func TestContextCancelAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Start(ctx, Options{
		Audio: audio.NewFakeContextSamples(nil, false),
		Dial:  analyzer.NewFakeConn().Dialer(),
	})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not end the session")
	}
}

func TestControllerReplacesSession(t *testing.T) {
	var c Controller
	defer c.Close()

	first := analyzer.NewFakeConn()
	s1, err := c.Start(context.Background(), Options{
		Audio: audio.NewFakeContextSamples(nil, false),
		Dial:  first.Dialer(),
	})
	if err != nil {
		t.Fatal(err)
	}
	second := analyzer.NewFakeConn()
	s2, err := c.Start(context.Background(), Options{
		Audio: audio.NewFakeContextSamples(nil, false),
		Dial:  second.Dialer(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if s1.State() != Closed || !first.Closed() {
		t.Errorf("previous session not torn down: %s", s1.State())
	}
	if c.Current() != s2 || s2.State() != Streaming {
		t.Errorf("current session state = %s", s2.State())
	}

	if _, err := (&Controller{}).Stop(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Stop without session = %v", err)
	}
}

func TestControllerStartsAfterFailure(t *testing.T) {
	var c Controller
	defer c.Close()

	bad := audio.NewFakeContextSamples(nil, false)
	bad.StartErr = errors.New("unplugged")
	if _, err := c.Start(context.Background(), Options{Audio: bad, Dial: analyzer.NewFakeConn().Dialer()}); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := c.Start(context.Background(), Options{
		Audio: audio.NewFakeContextSamples(nil, false),
		Dial:  analyzer.NewFakeConn().Dialer(),
	}); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
}

func TestStateNames(t *testing.T) {
	for st, want := range map[State]string{
		Idle: "idle", Connecting: "connecting", Streaming: "streaming",
		Stopping: "stopping", Finalizing: "finalizing", Closed: "closed",
		Errored: "errored", State(42): "unknown",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q", st, st.String())
		}
	}
	if Streaming.Terminal() || !Errored.Terminal() || !Closed.Terminal() {
		t.Error("Terminal misclassifies states")
	}
}
