// Package session runs one live analysis: microphone to chunker to analyzer
// and back to the display.
//
// A session has a single control goroutine that owns its state. The capture
// callback only touches the chunker inbox and an atomic level meter; network
// writes happen on a sender goroutine and reads on a receiver goroutine, both
// of which report back to the control goroutine through channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"callshield/analysis"
	"callshield/analyzer"
	"callshield/audio"
	"callshield/chunker"
	"callshield/encoder"
	"callshield/log"
	"callshield/metrics"
	"callshield/protocol"
)

const (
	DefaultFinalizeTimeout = 30 * time.Second
	DefaultMeterInterval   = 100 * time.Millisecond

	sendQueueSize = 64
	recvQueueSize = 16
)

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrConnectionLost    = errors.New("connection lost")
	ErrFinalizeTimeout   = errors.New("timed out waiting for final result")
	ErrNoSession         = errors.New("no active session")
)

type Options struct {
	Audio  audio.Context
	Device *audio.DeviceInfo // nil selects the system default
	Dial   analyzer.DialFunc
	// URL is only used in logs.
	URL string

	Chunks          chunker.Config
	FinalizeTimeout time.Duration
	MeterInterval   time.Duration

	Events  Events
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.Chunks == (chunker.Config{}) {
		o.Chunks = chunker.DefaultConfig()
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if o.MeterInterval <= 0 {
		o.MeterInterval = DefaultMeterInterval
	}
	if o.Events == nil {
		o.Events = NopEvents{}
	}
}

// Outcome summarizes a session that reached a terminal state.
type Outcome struct {
	ID    string
	State State
	// Final is nil unless the analyzer answered end_stream in time.
	Final    *protocol.FinalResult
	Estimate analysis.Estimate
	Results  []protocol.PartialResult

	ChunksSent    int
	ChunksDropped int
	// TimedOut is set when the final result did not arrive within
	// FinalizeTimeout. The session still ends Closed.
	TimedOut bool
	Duration time.Duration
}

type outFrame struct {
	wav     []byte
	seq     int
	samples int
	flushed bool
	end     bool
}

type recvEvent struct {
	msg protocol.Message
	err error
}

type Session struct {
	id        string
	opts      Options
	events    Events
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	closing atomic.Bool // set before any intentional transport close
	sent    atomic.Int64
	dropped atomic.Int64
	meter   meter

	// Owned by the control goroutine.
	capture       audio.CaptureDevice
	captureOn     bool
	recording     bool
	conn          analyzer.Conn
	chunks        *chunker.Chunker
	chunkCancel   context.CancelFunc
	agg           analysis.Aggregator
	silence       *silenceMonitor
	meterTicker   *time.Ticker
	finalizeTimer *time.Timer
	endQueued     bool
	endQueuedAt   time.Time
	final         *protocol.FinalResult
	timedOut      bool
	err           error

	outCh      chan outFrame
	senderDone chan struct{}
	recvCh     chan recvEvent
	stopCh     chan struct{}
	started    chan error
	done       chan struct{}
	closeOnce  sync.Once

	outcome Outcome // written before done is closed
}

// Start opens the microphone, connects to the analyzer and begins
// streaming. It returns once the session is Streaming or has failed; a
// failed session has already released everything it acquired.
//
// Cancelling ctx aborts the session at any point, like Close.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if opts.Audio == nil || opts.Dial == nil {
		return nil, errors.New("session: Audio and Dial are required")
	}
	opts.applyDefaults()
	if err := opts.Chunks.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		id:        uuid.NewString(),
		opts:      opts,
		events:    opts.Events,
		startedAt: time.Now(),
		recvCh:    make(chan recvEvent, recvQueueSize),
		stopCh:    make(chan struct{}, 1),
		started:   make(chan error, 1),
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.run()
	if err := <-s.started; err != nil {
		<-s.done
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has reached a terminal state and
// released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the error that ended the session, if any. Valid after Done.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Stop ends capture, sends whatever audio is buffered, signals end of
// stream and waits for the analyzer's final result. Calling Stop on a
// session that already ended returns its outcome again.
func (s *Session) Stop(ctx context.Context) (Outcome, error) {
	select {
	case s.stopCh <- struct{}{}:
	case <-s.done:
	default:
		// a stop request is already queued
	}
	select {
	case <-s.done:
		return s.outcome, s.err
	case <-ctx.Done():
		return Outcome{ID: s.id, State: s.State()}, ctx.Err()
	}
}

// Close aborts the session without waiting for a final result. It is safe
// to call any number of times, from any goroutine, in any state.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
	})
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	if err := s.open(); err != nil {
		s.fail(err)
		s.finish()
		s.started <- err
		return
	}
	s.started <- nil
	s.loop()
	s.finish()
}

func (s *Session) open() error {
	s.setState(Connecting)
	s.opts.Metrics.RecordSessionStarted()

	deviceName := "system default"
	if s.opts.Device != nil {
		deviceName = s.opts.Device.Name
	}
	log.SessionStart(s.id, s.opts.URL, deviceName)

	capture, err := s.opts.Audio.NewCapture(s.opts.Device, audio.DefaultCaptureConfig())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	s.capture = capture

	conn, err := s.opts.Dial(s.ctx)
	if err != nil {
		return fmt.Errorf("connect analyzer: %w", err)
	}
	s.conn = conn

	ch, err := chunker.New(s.opts.Chunks)
	if err != nil {
		return err
	}
	s.chunks = ch
	chunkCtx, chunkCancel := context.WithCancel(context.Background())
	s.chunkCancel = chunkCancel
	go ch.Run(chunkCtx)

	s.outCh = make(chan outFrame, sendQueueSize)
	s.senderDone = make(chan struct{})
	go s.send()
	go s.receive()

	capture.SetCallback(func(block []float32) {
		ch.Write(block)
		s.meter.observe(block)
	})
	if err := capture.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	s.captureOn = true

	s.silence = newSilenceMonitor(s.opts.MeterInterval)
	s.meterTicker = time.NewTicker(s.opts.MeterInterval)

	s.setState(Streaming)
	s.recording = true
	s.events.RecordingActive(true)
	return nil
}

func (s *Session) loop() {
	chunks := s.chunks.Chunks()
	for {
		var meterC, finalizeC <-chan time.Time
		if s.meterTicker != nil {
			meterC = s.meterTicker.C
		}
		if s.finalizeTimer != nil {
			finalizeC = s.finalizeTimer.C
		}

		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			s.forward(c)
			if c.Flushed && s.State() == Stopping {
				s.endStream()
			}

		case ev := <-s.recvCh:
			if s.handle(ev) {
				return
			}

		case <-meterC:
			s.tickMeter()

		case <-s.stopCh:
			s.beginStop()

		case <-finalizeC:
			s.timedOut = true
			log.SessionWarn(s.id, ErrFinalizeTimeout.Error())
			s.setState(Closed)
			return

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) beginStop() {
	if s.State() != Streaming {
		return
	}
	s.setState(Stopping)
	s.stopMeter()
	s.releaseCapture()
	s.chunks.Flush()
}

// forward encodes and queues a chunk. Zero-length chunks only mark the end
// of a flush and are never sent.
func (s *Session) forward(c chunker.Chunk) {
	if c.Empty() {
		return
	}
	f := outFrame{
		wav:     encoder.EncodeWAV(c.Samples),
		seq:     c.Seq,
		samples: len(c.Samples),
		flushed: c.Flushed,
	}
	select {
	case s.outCh <- f:
	case <-s.ctx.Done():
	}
}

func (s *Session) endStream() {
	if s.endQueued {
		return
	}
	s.endQueued = true
	select {
	case s.outCh <- outFrame{end: true}:
	case <-s.ctx.Done():
		return
	}
	s.endQueuedAt = time.Now()
	s.setState(Finalizing)
	s.finalizeTimer = time.NewTimer(s.opts.FinalizeTimeout)
}

// handle processes one receiver event and reports whether the session is
// over.
func (s *Session) handle(ev recvEvent) bool {
	if ev.err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(ev.err, &decodeErr) {
			s.opts.Metrics.RecordProtocolError()
			log.SessionWarn(s.id, decodeErr.Error())
			s.events.Error(decodeErr.Error())
			return false
		}
		if s.closing.Load() {
			return false
		}
		s.fail(fmt.Errorf("%w: %w", ErrConnectionLost, ev.err))
		return true
	}

	switch m := ev.msg.(type) {
	case protocol.Connected:
		log.Debug("analyzer connected")

	case *protocol.PartialResult:
		est := s.agg.Add(*m)
		s.opts.Metrics.RecordPartial(est.Effective)
		log.PartialResult(s.id, log.PartialData{
			ChunkIndex: m.ChunkIndex,
			ScamScore:  m.ScamScore,
			Cumulative: m.CumulativeScore,
			Effective:  est.Effective,
			Verdict:    string(est.Verdict),
			Signals:    len(m.Signals),
		})
		s.events.Partial(*m, est)

	case *protocol.ErrorMessage:
		s.opts.Metrics.RecordAnalyzerError()
		log.SessionWarn(s.id, "analyzer error: "+m.Detail)
		s.events.Error(m.Detail)

	case *protocol.FinalResult:
		if s.State() == Streaming {
			log.SessionWarn(s.id, "final result before end_stream")
		}
		s.final = m
		var latency time.Duration
		if s.endQueued {
			latency = time.Since(s.endQueuedAt)
		}
		maxScore := 0.0
		if m.MaxScore != nil {
			maxScore = *m.MaxScore
		}
		s.opts.Metrics.RecordFinal(string(m.Verdict), latency.Seconds())
		log.FinalResult(s.id, log.FinalData{
			TotalChunks:   m.TotalChunks,
			CombinedScore: m.CombinedScore,
			MaxScore:      maxScore,
			Verdict:       string(m.Verdict),
			FinalizeMs:    float64(latency.Milliseconds()),
		})
		log.Verdict(s.id, string(m.Verdict), m.CombinedScore, m.TotalChunks, m.Recommendation)
		s.events.Final(*m)
		s.setState(Closed)
		return true
	}
	return false
}

func (s *Session) tickMeter() {
	level := s.meter.take()
	s.events.AudioLevel(level)
	switch s.silence.Tick(level >= VoiceLevel) {
	case silenceWarn:
		log.SessionWarn(s.id, "no voice detected")
		s.events.NoVoiceWarning(true)
	case silenceClear:
		s.events.NoVoiceWarning(false)
	}
}

func (s *Session) send() {
	defer close(s.senderDone)
	for f := range s.outCh {
		if f.end {
			if err := s.conn.EndStream(); err != nil {
				log.SessionWarn(s.id, "end_stream not sent: "+err.Error())
			}
			continue
		}
		if err := s.conn.SendChunk(f.wav); err != nil {
			s.dropped.Add(1)
			s.opts.Metrics.RecordChunkDropped()
			log.ChunkDropped(s.id, f.seq, err)
			continue
		}
		s.sent.Add(1)
		s.opts.Metrics.RecordChunkSent(len(f.wav), float64(f.samples)/encoder.SampleRate)
		log.ChunkSent(s.id, f.seq, f.samples, len(f.wav), f.flushed)
	}
}

func (s *Session) receive() {
	for {
		msg, err := s.conn.Recv()
		var decodeErr *protocol.DecodeError
		fatal := err != nil && !errors.As(err, &decodeErr)
		select {
		case s.recvCh <- recvEvent{msg: msg, err: err}:
		case <-s.done:
			return
		}
		if fatal {
			return
		}
	}
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	log.SessionState(s.id, from.String(), to.String())
	s.opts.Metrics.SetState(to.String())
	s.events.StateChanged(to)
}

func (s *Session) fail(err error) {
	s.err = err
	log.SessionError(s.id, err)
	msg := err.Error()
	if errors.Is(err, ErrConnectionLost) {
		msg = ErrConnectionLost.Error()
	}
	s.events.Error(msg)
	s.setState(Errored)
}

func (s *Session) stopMeter() {
	if s.meterTicker != nil {
		s.meterTicker.Stop()
		s.meterTicker = nil
	}
}

func (s *Session) releaseCapture() {
	if s.capture == nil {
		return
	}
	if s.captureOn {
		s.capture.Stop()
		s.captureOn = false
	}
	s.capture.ClearCallback()
	s.capture.Close()
	s.capture = nil
	if s.recording {
		s.recording = false
		s.events.RecordingActive(false)
	}
}

// finish releases everything on every exit path and records the outcome.
func (s *Session) finish() {
	s.closing.Store(true)
	s.stopMeter()
	s.releaseCapture()
	if s.chunkCancel != nil {
		s.chunkCancel()
	}
	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.outCh != nil {
		close(s.outCh)
		<-s.senderDone
	}
	if !s.State().Terminal() {
		s.setState(Closed)
	}
	s.cancel()

	state := s.State()
	s.outcome = Outcome{
		ID:            s.id,
		State:         state,
		Final:         s.final,
		Estimate:      s.agg.Estimate(),
		Results:       s.agg.Results(),
		ChunksSent:    int(s.sent.Load()),
		ChunksDropped: int(s.dropped.Load()),
		TimedOut:      s.timedOut,
		Duration:      time.Since(s.startedAt),
	}

	label := state.String()
	if s.timedOut {
		label = "timeout"
	}
	s.opts.Metrics.RecordSessionFinished(label, s.outcome.Duration.Seconds())
	log.SessionEnd(s.id, log.SessionEndData{
		Outcome:       label,
		DurationS:     s.outcome.Duration.Seconds(),
		ChunksSent:    s.outcome.ChunksSent,
		ChunksDropped: s.outcome.ChunksDropped,
		Partials:      len(s.outcome.Results),
	})
}
