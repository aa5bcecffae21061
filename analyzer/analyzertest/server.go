// Package analyzertest runs an in-process analyzer for tests and local
// runs. It speaks the real stream protocol and scores chunks from a script
// instead of a model.
package analyzertest

import (
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"callshield/encoder"
	"callshield/protocol"
)

const (
	// Path is where the stream endpoint is mounted.
	Path = "/ws/stream"

	DefaultMaxChunkBytes = 512 * 1024

	// This server scores chunks whose int16 RMS falls below SilenceRMS as
	// SAFE without consuming a script entry, so tests can feed silence
	// without shifting the scripted scores.
	SilenceRMS = 500
)

type Options struct {
	// Scores is the scam score for each voiced chunk in order; the last
	// entry repeats. Empty means every voiced chunk scores 0.5.
	Scores []float64
	// Signals, when set, are reported alongside the matching entry of Scores.
	Signals [][]protocol.Signal
	// APIKeys enables X-API-Key checking when non-empty.
	APIKeys []string
	// DropAfter closes the socket without a final result once this many
	// chunks have arrived. Zero disables it.
	DropAfter int
	// FailChunks lists 1-based chunk numbers answered with an error event.
	FailChunks []int
	// FinalDelay holds the final result back after end_stream.
	FinalDelay time.Duration
	// NoFinal ignores end_stream entirely.
	NoFinal bool
	// SkipConnected omits the connected event after the handshake.
	SkipConnected bool

	MaxChunkBytes int
}

// Stream records what one client connection sent.
type Stream struct {
	ID         string
	Chunks     [][]byte
	EndStreams int
	// Frames lists "chunk" and "end_stream" in arrival order.
	Frames []string
}

type Server struct {
	*httptest.Server
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	streams []*Stream
}

func New(opts Options) *Server {
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}
	s := &Server{opts: opts}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handle)
	s.Server = httptest.NewServer(mux)
	return s
}

// URL is the websocket address of the stream endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + Path
}

// Streams returns a snapshot of every connection seen so far.
func (s *Server) Streams() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, len(s.streams))
	for i, st := range s.streams {
		out[i] = Stream{
			ID:         st.ID,
			Chunks:     slices.Clone(st.Chunks),
			EndStreams: st.EndStreams,
			Frames:     slices.Clone(st.Frames),
		}
	}
	return out
}

func (s *Server) authorized(r *http.Request) (int, bool) {
	if len(s.opts.APIKeys) == 0 {
		return 0, true
	}
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return http.StatusUnauthorized, false
	}
	if !slices.Contains(s.opts.APIKeys, key) {
		return http.StatusForbidden, false
	}
	return 0, true
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if code, ok := s.authorized(r); !ok {
		http.Error(w, http.StatusText(code), code)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	rec := &Stream{ID: uuid.NewString()}
	s.mu.Lock()
	s.streams = append(s.streams, rec)
	s.mu.Unlock()

	if !s.opts.SkipConnected {
		if err := s.send(conn, protocol.Connected{}); err != nil {
			return
		}
	}

	sc := &scorer{opts: &s.opts, start: time.Now()}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch kind {
		case websocket.TextMessage:
			if !protocol.IsEndStream(data) {
				continue
			}
			s.mu.Lock()
			rec.EndStreams++
			rec.Frames = append(rec.Frames, protocol.TypeEndStream)
			s.mu.Unlock()
			if s.opts.NoFinal {
				continue
			}
			if s.opts.FinalDelay > 0 {
				time.Sleep(s.opts.FinalDelay)
			}
			_ = s.send(conn, sc.final())
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return

		case websocket.BinaryMessage:
			s.mu.Lock()
			rec.Chunks = append(rec.Chunks, data)
			rec.Frames = append(rec.Frames, "chunk")
			n := len(rec.Chunks)
			s.mu.Unlock()

			if s.opts.DropAfter > 0 && n >= s.opts.DropAfter {
				return
			}
			if err := s.send(conn, sc.chunk(n, data)); err != nil {
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// scorer holds the per-connection running state.
type scorer struct {
	opts *Options

	index      int
	voiced     int
	cumulative float64
	maxScore   float64
	signals    []protocol.Signal
	seen       map[string]bool
	lastRec    string
	start      time.Time
}

func (sc *scorer) chunk(n int, data []byte) protocol.Message {
	if len(data) > sc.opts.MaxChunkBytes {
		return &protocol.ErrorMessage{Detail: fmt.Sprintf("Chunk too large: %d bytes", len(data))}
	}
	if slices.Contains(sc.opts.FailChunks, n) {
		return &protocol.ErrorMessage{Detail: "Chunk processing failed: scripted failure"}
	}
	_, pcm, err := encoder.DecodeWAV(data)
	if err != nil {
		return &protocol.ErrorMessage{Detail: "Chunk processing failed: " + err.Error()}
	}

	sc.index++
	if pcmRMS(pcm) < SilenceRMS {
		return &protocol.PartialResult{
			ChunkIndex:      sc.index,
			CumulativeScore: round4(sc.cumulative),
			Verdict:         protocol.VerdictSafe,
			Signals:         []protocol.Signal{},
		}
	}

	score := 0.5
	if len(sc.opts.Scores) > 0 {
		score = sc.opts.Scores[min(sc.voiced, len(sc.opts.Scores)-1)]
	}
	var signals []protocol.Signal
	if sc.voiced < len(sc.opts.Signals) {
		signals = sc.opts.Signals[sc.voiced]
	}
	sc.voiced++

	prev := sc.cumulative
	// running mean over voiced chunks
	sc.cumulative = (sc.cumulative*float64(sc.voiced-1) + score) / float64(sc.voiced)
	sc.maxScore = max(sc.maxScore, score)

	if sc.seen == nil {
		sc.seen = make(map[string]bool)
	}
	var fresh []protocol.Signal
	for _, sig := range signals {
		if !sc.seen[sig.Category] {
			sc.seen[sig.Category] = true
			fresh = append(fresh, sig)
		}
	}
	sc.signals = append(sc.signals, signals...)

	verdict := protocol.VerdictFor(score)
	sc.lastRec = recommendation(verdict)
	delta := round4(sc.cumulative - prev)
	ts := time.Since(sc.start).Milliseconds()
	if signals == nil {
		signals = []protocol.Signal{}
	}
	return &protocol.PartialResult{
		ChunkIndex:      sc.index,
		ScamScore:       round4(score),
		CumulativeScore: round4(sc.cumulative),
		Confidence:      0.8,
		Verdict:         verdict,
		Signals:         signals,
		Recommendation:  sc.lastRec,
		TimestampMs:     &ts,
		ScoreDelta:      &delta,
		NewSignals:      fresh,
	}
}

func (sc *scorer) final() *protocol.FinalResult {
	maxScore := round4(sc.maxScore)
	signals := sc.signals
	if signals == nil {
		signals = []protocol.Signal{}
	}
	return &protocol.FinalResult{
		TotalChunks:    sc.index,
		CombinedScore:  round4(sc.cumulative),
		MaxScore:       &maxScore,
		Verdict:        protocol.VerdictFor(sc.cumulative),
		Signals:        signals,
		Recommendation: sc.lastRec,
	}
}

func recommendation(v protocol.Verdict) string {
	switch v {
	case protocol.VerdictScam:
		return "Hang up now. Do not share any personal or financial information."
	case protocol.VerdictLikelyScam:
		return "Be very cautious. Verify the caller through an official number."
	case protocol.VerdictSuspicious:
		return "Stay alert and do not act on urgent requests."
	}
	return "No action needed."
}

func pcmRMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
