package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/backend"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/session"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const appName = "clever-kvm"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every command
type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Control surface for the CLEVER KVM remote desktop server",
		Long: `Start and stop the CLEVER KVM streaming server, tune its encoding
settings and share the address clients use to join.

Running without a subcommand opens the terminal UI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUICommand(cmd, opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default ./clever-kvm.yaml or $XDG_CONFIG_HOME/clever-kvm/clever-kvm.yaml)")
	flags.String("backend-url", backend.DefaultURL, "backend command endpoint")
	flags.String("backend-binary", "", "backend binary to launch when the endpoint is down")
	flags.Int("port", DefaultPort, "streaming server port")
	flags.String("settings", "", "settings file (default $XDG_CONFIG_HOME/clever-kvm/server-config.json)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.String("log-file", "clever-kvm-debug.log", "log file used while the terminal UI runs")

	cmd.AddCommand(
		newStatusCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newMonitorsCmd(opts),
		newLogsCmd(opts),
		newPresetsCmd(),
		newURLCmd(opts),
		newSimulateCmd(opts),
	)
	return cmd
}

// setup loads config and builds the application for a command
func setup(cmd *cobra.Command, opts *rootOptions, tui bool) (*app, error) {
	cfg, err := loadConfig(cmd.Flags(), opts.configFile)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, tui)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger)
}

func runTUICommand(cmd *cobra.Command, opts *rootOptions) error {
	a, err := setup(cmd, opts, true)
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	a.logger.Info("starting terminal UI", zap.String("backend", a.cfg.Backend.URL))
	return RunTUI(cmd.Context(), a)
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the streaming server state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			return a.withController(cmd.Context(), func(ctx context.Context) error {
				printStatus(cmd.OutOrStdout(), a.ctrl.Status(), a.rec.Snapshot(), a.ctrl)
				return nil
			})
		},
	}
}

// startFlags are the config overrides accepted by start
type startFlags struct {
	preset     string
	codec      string
	bitrate    int
	fps        int
	keyframe   int
	monitor    int
	audio      bool
	encryption bool
	copy       bool
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	f := &startFlags{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the streaming server",
		Long: `Start the streaming server with the saved settings.

Flags override individual settings and are saved for the next run.
A preset is applied first, then the other flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			if err := applyStartFlags(cmd.Flags(), cmd.ErrOrStderr(), a.rec, f); err != nil {
				return err
			}

			return a.withController(cmd.Context(), func(ctx context.Context) error {
				if err := a.ctrl.Start(ctx, a.cfg.Server.Port, a.rec.Snapshot()); err != nil {
					return err
				}
				url, err := a.ctrl.ConnectionURL(a.rec.Snapshot())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				if f.copy {
					return copyURL(url)
				}
				return nil
			})
		},
	}

	bindStartFlags(cmd.Flags(), f)
	return cmd
}

func bindStartFlags(flags *pflag.FlagSet, f *startFlags) {
	flags.StringVar(&f.preset, "preset", "", "apply a named preset ("+strings.Join(settings.DefaultCatalog.Names(), ", ")+")")
	flags.StringVar(&f.codec, "codec", "", "video codec (h264, h265, av1)")
	flags.IntVar(&f.bitrate, "bitrate", 0, "bitrate in kbps")
	flags.IntVar(&f.fps, "fps", 0, "frames per second")
	flags.IntVar(&f.keyframe, "keyframe-interval", 0, "frames between keyframes")
	flags.IntVar(&f.monitor, "monitor", 0, "monitor index")
	flags.BoolVar(&f.audio, "audio", false, "stream audio")
	flags.BoolVar(&f.encryption, "encryption", false, "encrypt the stream")
	flags.BoolVar(&f.copy, "copy", false, "copy the connection URL to the clipboard")
}

// applyStartFlags pushes explicitly set flags through the reconciler
func applyStartFlags(flags *pflag.FlagSet, warn io.Writer, rec *settings.Reconciler, f *startFlags) error {
	if flags.Changed("preset") {
		if !rec.ApplyPreset(f.preset) {
			// Unknown presets are ignored, but tell the user
			fmt.Fprintf(warn, "unknown preset %q ignored\n", f.preset)
		}
	}
	if flags.Changed("codec") {
		codec, ok := settings.ParseCodec(f.codec)
		if !ok {
			return errors.Wrapf(session.ErrInvalidConfig, "unknown codec %q", f.codec)
		}
		if err := rec.SelectCodec(codec); err != nil {
			return err
		}
	}

	ints := []struct {
		flag  string
		field settings.Field
		value int
	}{
		{"bitrate", settings.FieldBitrate, f.bitrate},
		{"fps", settings.FieldFramerate, f.fps},
		{"keyframe-interval", settings.FieldKeyframeInterval, f.keyframe},
		{"monitor", settings.FieldSelectedMonitor, f.monitor},
	}
	for _, i := range ints {
		if flags.Changed(i.flag) {
			if err := rec.SetField(i.field, i.value); err != nil {
				return err
			}
		}
	}

	bools := []struct {
		flag  string
		field settings.Field
		value bool
	}{
		{"audio", settings.FieldAudio, f.audio},
		{"encryption", settings.FieldEncryption, f.encryption},
	}
	for _, b := range bools {
		if flags.Changed(b.flag) {
			if err := rec.SetField(b.field, b.value); err != nil {
				return err
			}
		}
	}
	return nil
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the streaming server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			return a.withController(cmd.Context(), func(ctx context.Context) error {
				if err := a.ctrl.Stop(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "stopped")
				return nil
			})
		},
	}
}

func newMonitorsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "monitors",
		Short: "List the displays the backend can stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			return a.withController(cmd.Context(), func(ctx context.Context) error {
				st := a.ctrl.Status()
				if st.State.Phase == session.PhaseError {
					return errors.New(st.State.Message)
				}

				selected := a.rec.Snapshot().SelectedMonitor
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "\tINDEX\tNAME\tRESOLUTION\tPRIMARY")
				for _, m := range st.Monitors {
					mark := ""
					if m.Index == selected {
						mark = "*"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%dx%d\t%v\n", mark, m.Index, m.Name, m.Width, m.Height, m.IsPrimary)
				}
				return w.Flush()
			})
		},
	}
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var errorsOnly bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the backend's debug and error logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.logger.Sync()
			defer a.client.Close()

			if err := a.ensureBackend(cmd.Context()); err != nil {
				return err
			}
			logs, err := a.ctrl.Logs(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !errorsOnly {
				fmt.Fprintln(out, "== debug ==")
				fmt.Fprint(out, logs.Debug)
			}
			fmt.Fprintln(out, "== error ==")
			fmt.Fprint(out, logs.Error)
			return nil
		},
	}
	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "print only the error log")
	return cmd
}

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the built-in configuration presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, p := range settings.DefaultCatalog {
				values := make([]string, len(p.Values))
				for i, s := range p.Values {
					values[i] = fmt.Sprintf("%s=%v", s.Field, s.Value)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Description, strings.Join(values, " "))
			}
			return w.Flush()
		},
	}
}

func newURLCmd(opts *rootOptions) *cobra.Command {
	var copyFlag bool

	cmd := &cobra.Command{
		Use:   "url",
		Short: "Print the address clients use to join the running session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			return a.withController(cmd.Context(), func(ctx context.Context) error {
				url, err := a.ctrl.ConnectionURL(a.rec.Snapshot())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				if copyFlag {
					return copyURL(url)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&copyFlag, "copy", false, "copy the URL to the clipboard")
	return cmd
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve an in-memory backend on the command endpoint",
		Long: `Serve the backend command protocol from an in-memory simulator.

Useful for trying the terminal UI on machines without the native
streaming server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), opts.configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			addr, err := listenAddr(cfg.Backend.URL)
			if err != nil {
				return err
			}
			sim := backend.NewSimulator(host, backend.DefaultMonitors())
			return backend.NewServer(sim, logger).ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "host reported in server addresses")
	return cmd
}

// listenAddr returns host:port of a ws:// endpoint URL
func listenAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "parse backend url %q", endpoint)
	}
	if u.Port() == "" {
		return "", errors.Errorf("backend url %q has no port", endpoint)
	}
	return net.JoinHostPort(u.Hostname(), u.Port()), nil
}

func printStatus(out io.Writer, st session.Status, cfg settings.ServerConfig, ctrl *session.Controller) {
	fmt.Fprintf(out, "state:    %s\n", st.State.Phase)
	switch st.State.Phase {
	case session.PhaseRunning:
		fmt.Fprintf(out, "address:  %s\n", st.State.URL)
		if url, err := ctrl.ConnectionURL(cfg); err == nil {
			fmt.Fprintf(out, "join:     %s\n", url)
		}
	case session.PhaseError:
		fmt.Fprintf(out, "error:    %s\n", st.State.Message)
	}
	// A running session reports what it was started with
	if st.State.Phase == session.PhaseRunning && st.SessionConfig != nil {
		cfg = *st.SessionConfig
	}
	fmt.Fprintf(out, "codec:    %s (%s)\n", cfg.Codec(), cfg.Codec().RTPMap())
	fmt.Fprintf(out, "bitrate:  %s\n", settings.FormatBitrate(cfg.Bitrate))
	fmt.Fprintf(out, "fps:      %d\n", cfg.Framerate)
	fmt.Fprintf(out, "monitors: %d\n", len(st.Monitors))
}

func copyURL(url string) error {
	if err := clipboard.WriteAll(url); err != nil {
		return errors.Wrap(err, "copy to clipboard")
	}
	return nil
}
