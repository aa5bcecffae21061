package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	diagFileName    = "diagnostics_log.txt"
	verdictFileName = "verdict_log.txt"
)

var (
	diagLog     zerolog.Logger
	diagFile    *os.File
	verdictFile *os.File
	logMu       sync.Mutex
	logReady    bool
	pid         int
	dir         string
	level       = zerolog.InfoLevel
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: --logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: CALLSHIELD_LOG_PATH environment variable
	if envPath := os.Getenv("CALLSHIELD_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

// SetLevel accepts zerolog level names. It may be called before or after Init.
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	logMu.Lock()
	level = l
	if logReady {
		diagLog = diagLog.Level(l)
	}
	logMu.Unlock()
	return nil
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	diagFile, err = os.OpenFile(filepath.Join(dir, diagFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	verdictFile, err = os.OpenFile(filepath.Join(dir, verdictFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).Level(level).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if verdictFile != nil {
		verdictFile.Close()
		verdictFile = nil
	}
	logReady = false
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Debug(msg string) {
	if logReady {
		diagLog.Debug().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

// Session events. Every line carries the session id so one call can be
// followed through the diagnostics log.

func SessionStart(id, url, device string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("url", url).
		Str("device", device).
		Msg("session_start")
}

func SessionState(id, from, to string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("from", from).
		Str("to", to).
		Msg("session_state")
}

func SessionWarn(id, msg string) {
	if !logReady {
		return
	}
	diagLog.Warn().Str("session", id).Msg(msg)
}

func SessionError(id string, err error) {
	if !logReady {
		return
	}
	diagLog.Error().Str("session", id).Err(err).Msg("session_error")
}

func ChunkSent(id string, seq, samples, bytes int, flushed bool) {
	if !logReady {
		return
	}
	diagLog.Debug().
		Str("session", id).
		Int("seq", seq).
		Int("samples", samples).
		Int("bytes", bytes).
		Bool("flushed", flushed).
		Msg("chunk_sent")
}

func ChunkDropped(id string, seq int, err error) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Str("session", id).
		Int("seq", seq).
		Err(err).
		Msg("chunk_dropped")
}

type PartialData struct {
	ChunkIndex int
	ScamScore  float64
	Cumulative float64
	Effective  float64
	Verdict    string
	Signals    int
}

func PartialResult(id string, p PartialData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Int("chunk", p.ChunkIndex).
		Float64("score", p.ScamScore).
		Float64("cumulative", p.Cumulative).
		Float64("effective", p.Effective).
		Str("verdict", p.Verdict).
		Int("signals", p.Signals).
		Msg("partial_result")
}

type FinalData struct {
	TotalChunks   int
	CombinedScore float64
	MaxScore      float64
	Verdict       string
	FinalizeMs    float64
}

func FinalResult(id string, f FinalData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Int("total_chunks", f.TotalChunks).
		Float64("combined", f.CombinedScore).
		Float64("max", f.MaxScore).
		Str("verdict", f.Verdict).
		Float64("finalize_ms", f.FinalizeMs).
		Msg("final_result")
}

type SessionEndData struct {
	Outcome       string
	DurationS     float64
	ChunksSent    int
	ChunksDropped int
	Partials      int
}

func SessionEnd(id string, d SessionEndData) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("outcome", d.Outcome).
		Float64("duration_s", d.DurationS).
		Int("chunks_sent", d.ChunksSent).
		Int("chunks_dropped", d.ChunksDropped).
		Int("partials", d.Partials).
		Msg("session_end")
}

// Verdict appends one tab-separated line per finished session to the
// verdict log.
func Verdict(id, verdict string, score float64, chunks int, recommendation string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if verdictFile == nil {
		return
	}
	rec := strings.ReplaceAll(recommendation, "\n", " ")
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\t%.4f\t%d\t%s\n",
		time.Now().Format("2006-01-02 15:04:05"), pid, id, verdict, score, chunks, rec)
	verdictFile.WriteString(line)
}
