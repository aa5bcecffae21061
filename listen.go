package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"callshield/audio"
	"callshield/beep"
	"callshield/session"
	"callshield/shutdown"
)

func newListenCmd(a *app) *cobra.Command {
	var device string
	var setup, quiet bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Analyze a live call from the microphone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actx, err := audio.NewContext()
			if err != nil {
				return fmt.Errorf("initializing audio: %w", err)
			}
			defer actx.Close()

			var dev *audio.DeviceInfo
			if setup {
				dev, err = audio.SelectDevice(actx)
				if errors.Is(err, audio.ErrPickerCanceled) {
					return nil
				}
			} else {
				if device == "" {
					device = a.cfg.Audio.Device
				}
				dev, err = audio.FindDevice(actx, device)
			}
			if err != nil {
				return err
			}

			if quiet {
				beep.Disable()
			}
			ctx, stop := shutdown.Context(cmd.Context())
			defer stop()
			return a.listen(ctx, actx, dev)
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "use the capture device whose name contains this text")
	cmd.Flags().BoolVar(&setup, "setup", false, "pick the capture device interactively")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "no start/stop ticks or scam alarm")
	return cmd
}

func (a *app) listen(ctx context.Context, actx audio.Context, dev *audio.DeviceInfo) error {
	events := &tuiEvents{}
	ctrl := &listenControl{
		ctx:     ctx,
		opts:    a.sessionOptions(actx, dev, newAlertEvents(events, beepPlayer{})),
		timeout: a.cfg.Analyzer.FinalizeTimeout + 5*time.Second,
	}
	p := tea.NewProgram(newTUIModel(ctrl, deviceLineText(dev), a.cfg.Analyzer.URL), tea.WithAltScreen())
	events.program = p

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	_, err := p.Run()
	// Sends from the closing session are dropped once Run has returned.
	ctrl.ctrl.Close()
	return err
}

// listenControl adapts session.Controller to the TUI's blocking
// start/stop commands.
type listenControl struct {
	ctx     context.Context
	ctrl    session.Controller
	opts    session.Options
	timeout time.Duration
}

func (c *listenControl) Start() error {
	_, err := c.ctrl.Start(c.ctx, c.opts)
	return err
}

func (c *listenControl) Stop() (session.Outcome, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	return c.ctrl.Stop(ctx)
}
