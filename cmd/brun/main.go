package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/3cpo-dev/brun/internal/archive"
	core "github.com/3cpo-dev/brun/internal/core"
	"github.com/3cpo-dev/brun/internal/queue"
	"github.com/3cpo-dev/brun/internal/queue/pbs"
)

var (
	version   = "1.0.0"
	commit    = ""
	buildDate = "5/1/2016"
)

const usage = "Usage: brun"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brun",
		Short: "Reconcile benchmark results and keep the cluster busy",
		Long: "brun harvests finished benchmark configurations from node working directories,\n" +
			"requeues unfinished ones, and submits new worker jobs until every benchmark is done.",
		Version:       fmt.Sprintf("%s (%s) %s", version, commit, buildDate),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), usage)
				return nil
			}
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			closer := setupFileLog(cfg.Log)
			if closer != nil {
				defer closer.Close()
			}
			if n, _ := cmd.Flags().GetInt("history"); n > 0 {
				return printHistory(cmd.Context(), cmd.OutOrStdout(), cfg, n)
			}
			return runPass(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/brun/config.yaml)")
	cmd.Flags().Int("history", 0, "print the last N recorded passes and exit")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		name, _ := c.Flags().GetString("log")
		setLogLevel(name)
	}
	return cmd
}

// runPass wires the queue backend, history store and archive into a
// Coordinator and runs one reconciliation pass.
func runPass(ctx context.Context, out io.Writer, cfg core.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	q, err := newQueueRegistry(cfg).Get(cfg.Queue.Backend)
	if err != nil {
		return err
	}

	opts := []core.Option{core.WithOutput(out)}
	if cfg.HistoryDB != "" {
		store, err := core.NewStore(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		opts = append(opts, core.WithRecorder(store))
	}
	if cfg.Archive.Enabled() {
		opts = append(opts, core.WithPublisher(archive.New(cfg.Archive.Target, cfg.Archive.RemoteDir, cfg.Root)))
	}

	rep, err := core.NewCoordinator(cfg, q, opts...).Run(ctx)
	if err != nil {
		return err
	}
	log.Debug().Str("outcome", string(rep.Outcome)).Int("submitted", len(rep.Submitted)).Msg("Pass complete")
	return nil
}

func newQueueRegistry(cfg core.Config) *queue.Registry {
	opts := pbs.Options{
		User:          cfg.User,
		StatusCommand: cfg.Queue.StatusCommand,
		SubmitCommand: cfg.Queue.SubmitCommand,
	}
	reg := queue.NewRegistry()
	reg.Register(pbs.New("pbs", opts, pbs.LocalRunner{}))
	reg.Register(pbs.New("pbs-ssh", opts, &pbs.SSHRunner{Target: cfg.Queue.SSH}))
	return reg
}

// setLogLevel applies a --log value. Unknown names fall back to info.
func setLogLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(consoleWriter())
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func consoleWriter() zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

// setupFileLog additionally writes JSON logs to a rotating file when one is
// configured. The returned closer is nil otherwise.
func setupFileLog(lc core.LogConfig) io.Closer {
	if lc.File == "" {
		return nil
	}
	lj := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
		Compress:   true,
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(consoleWriter(), lj)).With().Timestamp().Logger()
	return lj
}

func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
