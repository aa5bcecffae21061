package main

import (
	"fmt"
	"math"
	"strings"

	"callshield/analysis"
	"callshield/audio"
	"callshield/protocol"
)

// deltaThreshold hides score changes too small to be worth a badge.
const deltaThreshold = 0.05

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

// deltaBadge renders the analyzer's score change, or "" when absent or
// negligible.
func deltaBadge(r protocol.PartialResult) string {
	if r.ScoreDelta == nil || math.Abs(*r.ScoreDelta) <= deltaThreshold {
		return ""
	}
	return fmt.Sprintf("Δ%+.2f", *r.ScoreDelta)
}

// offsetText formats the analyzer's stream offset for the chunk.
func offsetText(r protocol.PartialResult) string {
	if r.TimestampMs == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fs", float64(*r.TimestampMs)/1000)
}

func signalText(r protocol.PartialResult, s protocol.Signal) string {
	line := fmt.Sprintf("[%s] %s: %s", s.Severity, s.Category, s.Detail)
	if analysis.IsNew(r, s) {
		line += " (NEW)"
	}
	return line
}

func partialHeader(r protocol.PartialResult) string {
	line := fmt.Sprintf("chunk %d  %s  score %.2f  cumulative %.2f  %s",
		r.ChunkIndex, offsetText(r), r.ScamScore, r.CumulativeScore, r.Verdict)
	if badge := deltaBadge(r); badge != "" {
		line += "  " + badge
	}
	return line
}

func finalHeader(f protocol.FinalResult) string {
	line := fmt.Sprintf("final  chunks %d  combined %.2f", f.TotalChunks, f.CombinedScore)
	if f.MaxScore != nil {
		line += fmt.Sprintf("  peak %.2f", *f.MaxScore)
	}
	return line + "  " + string(f.Verdict)
}

func estimateText(est analysis.Estimate) string {
	if !est.HasScore {
		return "no score yet"
	}
	return fmt.Sprintf("%s %.2f (%s)", est.Verdict, est.Effective, est.Trend)
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
