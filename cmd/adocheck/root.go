package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hasko/adocheck/internal/config"
	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/metrics"
	"github.com/hasko/adocheck/internal/slogutil"
	"github.com/hasko/adocheck/internal/version"
)

var (
	baseDirFlag     string
	verbosityFlag   int
	quietFlag       bool
	logLevelFlag    string
	logFormatFlag   string
	metricsAddrFlag string
	outputFormat    string
	forceRefresh    bool
)

// app is the per-invocation state built before any subcommand runs.
var app struct {
	cfg     *config.Config
	load    *config.LoadResult
	logger  *slog.Logger
	factory *slogutil.LoggerFactory
	stop    context.CancelFunc
}

var rootCmd = &cobra.Command{
	Use:   "adocheck",
	Short: "adocheck - cached ADOit repository access and application mapping",
	Long: `adocheck keeps a staleness-aware local cache of an ADOit repository and
maps applications to target capabilities along the shortest relationship path.`,
	Version:           version.Short(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
	},
}

func init() {
	rootCmd.SetVersionTemplate("adocheck version {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&baseDirFlag, "dir", ".", "Base directory holding .adocheck/ and .env")
	pf.CountVarP(&verbosityFlag, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	pf.BoolVarP(&quietFlag, "quiet", "q", false, "Only log errors")
	pf.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormatFlag, "log-format", "", "Log format: human, json")
	pf.StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.StringVar(&outputFormat, "format", string(FormatHuman), "Output format: human, json, yaml, toml")
	pf.BoolVar(&forceRefresh, "force-refresh", false, "Bypass the cache and refetch everything")

	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	if _, err := ParseOutputFormat(outputFormat); err != nil {
		return adoerrors.Wrap(adoerrors.ConfigInvalid, err.Error(), err)
	}

	res, err := config.LoadWithDetails(baseDirFlag)
	if err != nil {
		return configError(err)
	}
	cfg := res.Config
	if logFormatFlag != "" {
		cfg.Logging.Format = logFormatFlag
	}
	if metricsAddrFlag != "" {
		cfg.Metrics.Addr = metricsAddrFlag
	}
	if err := cfg.Validate(); err != nil {
		return configError(err)
	}

	level, levelSet := slogutil.LevelFromVerbosity(verbosityFlag, quietFlag)
	if logLevelFlag != "" {
		level, levelSet = slogutil.LevelFromString(logLevelFlag), true
	}
	factory := slogutil.NewLoggerFactory(cfg.Logging, baseDirFlag, os.Stderr)
	logger, err := factory.Logger(level, levelSet)
	if err != nil {
		return configError(err)
	}

	app.cfg, app.load, app.logger, app.factory = cfg, res, logger, factory

	if cfg.Metrics.Addr != "" {
		ctx, stop := context.WithCancel(context.Background())
		app.stop = stop
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics endpoint failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}
	return nil
}

// teardown releases what setup acquired. Safe to call more than once.
func teardown() {
	if app.stop != nil {
		app.stop()
		app.stop = nil
	}
	if app.factory != nil {
		_ = app.factory.Close()
	}
}

// configError turns config package errors into CONFIG_INVALID.
func configError(err error) error {
	var ce *config.ConfigError
	if errors.As(err, &ce) {
		return adoerrors.Wrap(adoerrors.ConfigInvalid, ce.Error(), err).
			WithDetails(map[string]string{"field": ce.Field})
	}
	return adoerrors.Wrap(adoerrors.ConfigInvalid, fmt.Sprintf("load configuration: %v", err), err)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
