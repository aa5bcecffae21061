package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"callshield/analyzer"
	"callshield/audio"
	"callshield/config"
	"callshield/doctor"
	"callshield/log"
	"callshield/metrics"
	"callshield/session"
)

var version = "dev"

const defaultConfigFile = "callshield.yaml"

type globalFlags struct {
	configPath  string
	logPath     string
	url         string
	apiKey      string
	metricsAddr string
}

// app carries what every subcommand shares once flags and config are
// resolved.
type app struct {
	flags   globalFlags
	cfg     config.Config
	metrics *metrics.Metrics
	server  *http.Server
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "callshield",
		Short:         "Live scam-call analysis from your microphone",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.shutdown()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", defaultConfigFile, "config file (ignored when missing)")
	pf.StringVar(&a.flags.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	pf.StringVar(&a.flags.url, "url", "", "analyzer websocket URL (overrides config)")
	pf.StringVar(&a.flags.apiKey, "api-key", "", "analyzer API key (overrides config)")
	pf.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. localhost:9464)")

	root.AddCommand(
		newListenCmd(a),
		newReplayCmd(a),
		newDevicesCmd(),
		newDoctorCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Loader{}.LoadDefault(a.flags.configPath)
	if err != nil {
		return err
	}
	if a.flags.url != "" {
		cfg.Analyzer.URL = a.flags.url
	}
	if a.flags.apiKey != "" {
		cfg.Analyzer.APIKey = a.flags.apiKey
	}
	if a.flags.metricsAddr != "" {
		cfg.Metrics.Addr = a.flags.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logFlag := a.flags.logPath
	if logFlag == "" {
		logFlag = cfg.Logging.Path
	}
	logPath, err := log.ResolveDir(logFlag)
	if err != nil {
		return fmt.Errorf("failed to resolve log directory: %w", err)
	}
	log.SetDir(logPath)
	if err := log.SetLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	initCrashLog()

	a.metrics = metrics.New()
	if cfg.Metrics.Addr != "" {
		a.server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           a.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("metrics listening on http://%s/metrics", cfg.Metrics.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server error: %v", err)
			}
		}()
	}
	return nil
}

func (a *app) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}

func (a *app) shutdown() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.server.Shutdown(ctx)
		cancel()
	}
	log.Close()
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

// sessionOptions builds the options shared by listen and replay.
func (a *app) sessionOptions(actx audio.Context, device *audio.DeviceInfo, events session.Events) session.Options {
	return session.Options{
		Audio:           actx,
		Device:          device,
		Dial:            analyzer.Dialer(a.cfg.Analyzer.Client()),
		URL:             a.cfg.Analyzer.URL,
		Chunks:          a.cfg.Audio.Chunks(),
		FinalizeTimeout: a.cfg.Analyzer.FinalizeTimeout,
		MeterInterval:   a.cfg.Audio.MeterInterval,
		Events:          events,
		Metrics:         a.metrics,
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			actx, err := audio.NewContext()
			if err != nil {
				return fmt.Errorf("initializing audio: %w", err)
			}
			defer actx.Close()
			devices, err := actx.Devices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				return audio.ErrNoDevices
			}
			out := cmd.OutOrStdout()
			for _, d := range devices {
				suffix := ""
				if audio.IsBluetooth(d.Name) {
					suffix = "  (Bluetooth: narrow-band, not recommended)"
				}
				fmt.Fprintf(out, "%s%s\n", d.Name, suffix)
			}
			return nil
		},
	}
}

func newDoctorCmd(a *app) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the microphone and the analyzer connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code := doctor.Run(doctor.Options{
				Analyzer: a.cfg.Analyzer.Client(),
				Local:    local,
				In:       cmd.InOrStdin(),
				Out:      cmd.OutOrStdout(),
			})
			if code != 0 {
				return errors.New("doctor: some checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "run the analyzer check against a built-in test analyzer")
	return cmd
}
