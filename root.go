package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/strmgate/strmgate/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagHost       string
	flagPort       int
	flagDataDir    string
	flagBaseURL    string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE, available to all subcommands after pre-run.
var resolvedCfg *config.Resolved

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "strmgate",
		Short:   "Streaming-URL gateway for cloud drives",
		Long:    "strmgate maintains .strm stub libraries for cloud drive media and redirects players to short-lived signed URLs.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagHost, "host", "", "listen host")
	cmd.PersistentFlags().IntVar(&flagPort, "port", 0, "listen port")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory for credentials and database")
	cmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "external base URL written into stub files")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoginCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// and stores the result for the subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Only pass flags the user explicitly set, so config-file values are
	// not clobbered by flag defaults.
	if cmd.Flags().Changed("host") {
		cli.Host = &flagHost
	}

	if cmd.Flags().Changed("port") {
		cli.Port = &flagPort
	}

	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flagDataDir
	}

	if cmd.Flags().Changed("base-url") {
		cli.BaseURL = &flagBaseURL
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger from the resolved config and flags.
// Format "auto" picks text on a terminal and JSON otherwise.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := "auto"
	if resolvedCfg != nil {
		format = resolvedCfg.LogFormat
	}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		if isatty.IsTerminal(os.Stderr.Fd()) {
			return slog.New(slog.NewTextHandler(os.Stderr, opts))
		}

		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
}
