package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"callshield/analysis"
	"callshield/protocol"
	"callshield/session"
)

// TUI message types
type stateMsg struct{ State session.State }
type recordingMsg struct{ Active bool }
type levelMsg struct{ Level float64 }
type partialMsg struct {
	Result   protocol.PartialResult
	Estimate analysis.Estimate
}
type finalMsg struct{ Result protocol.FinalResult }
type errorMsg struct{ Text string }
type noVoiceMsg struct{ Active bool }
type startedMsg struct{ Err error }
type stoppedMsg struct {
	Outcome session.Outcome
	Err     error
}
type tickMsg time.Time

// sessionControl is what the TUI needs from the session controller. Start
// and Stop block, so the model only calls them from commands.
type sessionControl interface {
	Start() error
	Stop() (session.Outcome, error)
}

type logEntry struct {
	result protocol.PartialResult
	at     time.Time
}

type tuiModel struct {
	control       sessionControl
	state         session.State
	busy          bool // a Start or Stop command is in flight
	recording     bool
	recordStart   time.Time
	elapsed       float64
	audioLevel    float64
	peakLevel     float64 // peak audio level during current recording
	noVoice       bool
	estimate      analysis.Estimate
	entries       []logEntry
	final         *protocol.FinalResult
	timedOut      bool
	lastErr       string
	deviceLine    string // "mic: USB Audio (BT!)"
	urlLine       string
	width, height int
}

const panelWidth = 40

var (
	verdictColors = map[protocol.Verdict]lipgloss.Color{
		protocol.VerdictSafe:       "42",
		protocol.VerdictSuspicious: "220",
		protocol.VerdictLikelyScam: "208",
		protocol.VerdictScam:       "196",
	}
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	faintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	newStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	summaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
)

func verdictStyle(v protocol.Verdict) lipgloss.Style {
	c, ok := verdictColors[v]
	if !ok {
		c = "245"
	}
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}

func newTUIModel(control sessionControl, deviceLine, url string) tuiModel {
	return tuiModel{
		control:    control,
		deviceLine: deviceLine,
		urlLine:    url,
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func startCmd(c sessionControl) tea.Cmd {
	return func() tea.Msg {
		return startedMsg{Err: c.Start()}
	}
}

func stopCmd(c sessionControl) tea.Cmd {
	return func() tea.Msg {
		outcome, err := c.Stop()
		return stoppedMsg{Outcome: outcome, Err: err}
	}
}

// toggle starts a session when none is live and stops the live one
// otherwise. Transitional states ignore the key.
func (m tuiModel) toggle() (tuiModel, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	switch m.state {
	case session.Idle, session.Closed, session.Errored:
		m.busy = true
		m.entries = nil
		m.final = nil
		m.timedOut = false
		m.lastErr = ""
		m.estimate = analysis.Estimate{}
		return m, startCmd(m.control)
	case session.Streaming:
		m.busy = true
		return m, stopCmd(m.control)
	}
	return m, nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s", " ":
			return m.toggle()
		}

	case tickMsg:
		if m.recording {
			m.elapsed = time.Time(msg).Sub(m.recordStart).Seconds()
		}
		return m, tuiTick()

	case stateMsg:
		m.state = msg.State

	case recordingMsg:
		m.recording = msg.Active
		if msg.Active {
			m.recordStart = time.Now()
			m.elapsed = 0
			m.audioLevel = 0
			m.peakLevel = 0
		} else {
			m.audioLevel = 0
			m.noVoice = false
		}

	case levelMsg:
		if m.recording {
			m.audioLevel = m.audioLevel*0.6 + msg.Level*0.4
			if msg.Level > m.peakLevel {
				m.peakLevel = msg.Level
			}
		}

	case noVoiceMsg:
		m.noVoice = msg.Active

	case partialMsg:
		m.entries = append(m.entries, logEntry{result: msg.Result, at: time.Now()})
		m.estimate = msg.Estimate

	case finalMsg:
		f := msg.Result
		m.final = &f

	case errorMsg:
		m.lastErr = msg.Text

	case startedMsg:
		m.busy = false
		if msg.Err != nil {
			m.lastErr = msg.Err.Error()
			m.state = session.Errored
		}

	case stoppedMsg:
		m.busy = false
		m.timedOut = msg.Outcome.TimedOut
		if msg.Err != nil {
			m.lastErr = msg.Err.Error()
		}
	}
	return m, nil
}

func (m tuiModel) statusLine() string {
	switch m.state {
	case session.Connecting:
		return dimStyle.Render("… CONNECTING")
	case session.Streaming:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true).
			Render(fmt.Sprintf("● LIVE %.1fs", m.elapsed))
	case session.Stopping, session.Finalizing:
		return dimStyle.Render("… FINALIZING")
	case session.Errored:
		return errStyle.Render("✕ ERROR")
	}
	return dimStyle.Render("○ STANDBY")
}

// gauge renders v in [0, 1] as a bar of width cells.
func gauge(v float64, width int, style lipgloss.Style) string {
	v = min(max(v, 0), 1)
	filled := int(v*float64(width) + 0.5)
	return style.Render(strings.Repeat("█", filled)) + faintStyle.Render(strings.Repeat("░", width-filled))
}

func (m tuiModel) leftPanel() []string {
	lines := []string{
		lipgloss.NewStyle().Bold(true).Render("CallShield"),
		"",
		m.statusLine(),
		"",
	}

	if m.estimate.HasScore {
		vs := verdictStyle(m.estimate.Verdict)
		lines = append(lines,
			vs.Render(string(m.estimate.Verdict)),
			gauge(m.estimate.Effective, panelWidth-4, vs),
			dimStyle.Render(fmt.Sprintf("risk %.2f  peak %.2f  %s", m.estimate.Effective, m.estimate.Peak, m.estimate.Trend)),
		)
	} else {
		lines = append(lines, dimStyle.Render("no score yet"), gauge(0, panelWidth-4, dimStyle), "")
	}
	lines = append(lines, "")

	// Level bar scales so that normal speech fills most of it.
	lines = append(lines, dimStyle.Render("level ")+gauge(m.audioLevel*4, panelWidth-10, summaryStyle))
	if m.noVoice {
		lines = append(lines, warnStyle.Render("⚠ no voice detected"))
	}
	lines = append(lines, "")

	if m.deviceLine != "" {
		lines = append(lines, dimStyle.Render(m.deviceLine))
	}
	if m.urlLine != "" {
		lines = append(lines, dimStyle.Render(m.urlLine))
	}
	if m.lastErr != "" {
		for _, l := range wrapText(m.lastErr, panelWidth-2) {
			lines = append(lines, errStyle.Render(l))
		}
	}
	lines = append(lines, "")

	bold := faintStyle.Bold(true)
	lines = append(lines,
		bold.Render("s")+faintStyle.Render(" start/stop  ")+bold.Render("q")+faintStyle.Render(" quit"),
		faintStyle.Render("callshield "+version),
	)
	return lines
}

func (m tuiModel) finalLines(width int) []string {
	f := m.final
	vs := verdictStyle(f.Verdict)
	lines := []string{vs.Render(finalHeader(*f))}
	for _, s := range f.Signals {
		lines = append(lines, "  "+fmt.Sprintf("[%s] %s: %s", s.Severity, s.Category, s.Detail))
	}
	if f.TranscriptSummary != "" {
		for _, l := range wrapText(f.TranscriptSummary, width) {
			lines = append(lines, summaryStyle.Render(l))
		}
	}
	if f.Recommendation != "" {
		for _, l := range wrapText("→ "+f.Recommendation, width) {
			lines = append(lines, vs.Render(l))
		}
	}
	if f.ReviewRequired {
		lines = append(lines, warnStyle.Render("review required: "+f.ReviewReason))
	}
	return append(lines, "")
}

func (m tuiModel) entryLines(e logEntry, width int) []string {
	r := e.result
	header := fmt.Sprintf("#%d %s %s  score %.2f  cum %.2f",
		r.ChunkIndex, e.at.Format("15:04:05"), offsetText(r), r.ScamScore, r.CumulativeScore)
	line := verdictStyle(r.Verdict).Render(header)
	if badge := deltaBadge(r); badge != "" {
		line += " " + warnStyle.Render(badge)
	}
	lines := []string{line}
	for _, s := range r.Signals {
		text := fmt.Sprintf("  [%s] %s: %s", s.Severity, s.Category, s.Detail)
		if analysis.IsNew(r, s) {
			text += " " + newStyle.Render("NEW")
		}
		lines = append(lines, text)
	}
	if r.TranscriptSummary != "" {
		for _, l := range wrapText(r.TranscriptSummary, width-2) {
			lines = append(lines, "  "+summaryStyle.Render(l))
		}
	}
	return lines
}

// logPanel lists the final summary first, then stream entries newest first,
// cut to height.
func (m tuiModel) logPanel(width, height int) string {
	var lines []string
	if m.final != nil {
		lines = append(lines, m.finalLines(width)...)
	} else if m.timedOut {
		lines = append(lines, warnStyle.Render("no final result; showing the last estimate"), "")
	}
	if len(m.entries) == 0 && m.final == nil {
		lines = append(lines, dimStyle.Render("No results yet"))
	}
	for i := len(m.entries) - 1; i >= 0; i-- {
		lines = append(lines, m.entryLines(m.entries[i], width)...)
	}
	if len(lines) > height {
		lines = lines[:height]
	}
	return strings.Join(lines, "\n")
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	left := lipgloss.NewStyle().
		Width(panelWidth).
		Height(m.height).
		Render(strings.Join(m.leftPanel(), "\n"))

	logWidth := max(m.width-panelWidth-1, 20)
	right := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(m.logPanel(logWidth-2, m.height))

	return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
}

// tuiEvents forwards session events into the program's update loop.
type tuiEvents struct {
	program *tea.Program
}

func (e *tuiEvents) send(msg tea.Msg) {
	if e.program != nil {
		e.program.Send(msg)
	}
}

func (e *tuiEvents) StateChanged(s session.State) { e.send(stateMsg{State: s}) }
func (e *tuiEvents) RecordingActive(active bool)  { e.send(recordingMsg{Active: active}) }
func (e *tuiEvents) AudioLevel(level float64)     { e.send(levelMsg{Level: level}) }
func (e *tuiEvents) Partial(r protocol.PartialResult, est analysis.Estimate) {
	e.send(partialMsg{Result: r, Estimate: est})
}
func (e *tuiEvents) Final(r protocol.FinalResult) { e.send(finalMsg{Result: r}) }
func (e *tuiEvents) Error(text string)            { e.send(errorMsg{Text: text}) }
func (e *tuiEvents) NoVoiceWarning(active bool)   { e.send(noVoiceMsg{Active: active}) }
