package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"callshield/analysis"
	"callshield/audio"
	"callshield/protocol"
	"callshield/session"
	"callshield/shutdown"
)

func newReplayCmd(a *app) *cobra.Command {
	var fast bool
	cmd := &cobra.Command{
		Use:   "replay FILE.wav",
		Short: "Stream a 16 kHz mono WAV file through the analyzer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := shutdown.Context(cmd.Context())
			defer stop()
			actx, err := audio.NewFakeContext(args[0], !fast)
			if err != nil {
				return err
			}
			return a.replay(ctx, actx, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&fast, "fast", false, "deliver the recording as fast as possible instead of in real time")
	return cmd
}

// replay runs one session over a fake capture, stops it once the recording
// has been delivered and prints every result as it arrives.
func (a *app) replay(ctx context.Context, actx *audio.FakeContext, out io.Writer) error {
	captured := make(chan *audio.FakeCapture, 1)
	actx.OnCapture = func(c *audio.FakeCapture) {
		select {
		case captured <- c:
		default:
		}
	}

	fmt.Fprintf(out, "replaying %.1fs of audio to %s\n", actx.Duration().Seconds(), a.cfg.Analyzer.URL)
	s, err := session.Start(ctx, a.sessionOptions(actx, nil, &lineEvents{out: out}))
	if err != nil {
		return err
	}
	defer s.Close()

	capture := <-captured
	select {
	case <-capture.AudioDone():
	case <-s.Done():
	case <-ctx.Done():
	}

	outcome, err := s.Stop(ctx)
	if err != nil {
		return err
	}
	if outcome.TimedOut {
		fmt.Fprintf(out, "no final result within %s; last estimate %s\n",
			a.cfg.Analyzer.FinalizeTimeout, estimateText(outcome.Estimate))
	}
	fmt.Fprintf(out, "session %s: %d chunks sent, %d dropped, %.1fs\n",
		outcome.ID, outcome.ChunksSent, outcome.ChunksDropped, outcome.Duration.Seconds())
	return nil
}

// lineEvents prints session events as plain lines.
type lineEvents struct {
	session.NopEvents
	out io.Writer
}

func (e *lineEvents) Partial(r protocol.PartialResult, est analysis.Estimate) {
	fmt.Fprintln(e.out, partialHeader(r))
	for _, s := range r.Signals {
		fmt.Fprintln(e.out, "  "+signalText(r, s))
	}
	if r.TranscriptSummary != "" {
		fmt.Fprintln(e.out, "  summary: "+r.TranscriptSummary)
	}
	fmt.Fprintln(e.out, "  estimate: "+estimateText(est))
}

func (e *lineEvents) Final(f protocol.FinalResult) {
	fmt.Fprintln(e.out, finalHeader(f))
	for _, s := range f.Signals {
		fmt.Fprintf(e.out, "  [%s] %s: %s\n", s.Severity, s.Category, s.Detail)
	}
	if f.TranscriptSummary != "" {
		fmt.Fprintln(e.out, "  summary: "+f.TranscriptSummary)
	}
	if f.Recommendation != "" {
		fmt.Fprintln(e.out, "  recommendation: "+f.Recommendation)
	}
	if f.ReviewRequired {
		fmt.Fprintln(e.out, "  review required: "+f.ReviewReason)
	}
}

func (e *lineEvents) Error(msg string) {
	fmt.Fprintln(e.out, "analyzer error: "+msg)
}

func (e *lineEvents) NoVoiceWarning(active bool) {
	if active {
		fmt.Fprintln(e.out, "warning: no voice detected")
	}
}
