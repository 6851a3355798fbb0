package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/qmeasure/gidata-go"
	"github.com/qmeasure/gidata-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagProfile    string
	flagURL        string
	flagKind       string
	flagTimezone   string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE. Available to all subcommands after the root
// pre-run phase completes.
var resolvedCfg *config.ResolvedProfile

// newRootCmd builds and returns the fully assembled root command with
// all subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "gidata",
		Short:   "Instrumentation backend client",
		Long:    "A unified CLI for time-series instrumentation backends: local controllers, cloud HTTP, cloud GraphQL, and push streaming.",
		Version: version,
		// Silence Cobra's default error/usage printing - handled in main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVarP(&flagProfile, "profile", "p", "", "backend profile name")
	cmd.PersistentFlags().StringVar(&flagURL, "url", "", "backend base URL (overrides profile)")
	cmd.PersistentFlags().StringVar(&flagKind, "kind", "", "backend kind: auto, local-http, cloud-http, cloud-graphql, streaming")
	cmd.PersistentFlags().StringVar(&flagTimezone, "timezone", "", "timezone for displayed timestamps")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newChannelsCmd())
	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newStreamCmd())
	cmd.AddCommand(newWriteCmd())
	cmd.AddCommand(newAnalyticsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result for subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		Profile:    flagProfile,
	}

	// Only pass overriding flags the user explicitly set; an empty
	// string is a valid way to clear nothing.
	if cmd.Flags().Changed("url") {
		cli.URL = &flagURL
	}

	if cmd.Flags().Changed("kind") {
		cli.Kind = &flagKind
	}

	if cmd.Flags().Changed("timezone") {
		cli.Timezone = &flagTimezone
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config
// and CLI flags. Config-file log level is the baseline; --verbose and
// --quiet override it because CLI flags always win. Format "auto" emits
// text on a terminal and JSON when piped.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.LogLevel {
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

	format := "auto"
	if resolvedCfg != nil {
		format = resolvedCfg.Logging.LogFormat
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !isatty.IsTerminal(os.Stderr.Fd())) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// connectClient binds a facade client using the resolved profile.
func connectClient(ctx context.Context) (*gidata.Client, error) {
	rp := resolvedCfg

	loc, err := time.LoadLocation(rp.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", rp.Timezone, err)
	}

	ttl, err := time.ParseDuration(rp.Cache.TTL)
	if err != nil {
		return nil, fmt.Errorf("parsing cache ttl %q: %w", rp.Cache.TTL, err)
	}

	dataTimeout, err := time.ParseDuration(rp.Network.DataTimeout)
	if err != nil {
		return nil, fmt.Errorf("parsing data timeout %q: %w", rp.Network.DataTimeout, err)
	}

	kind := gidata.Kind(rp.Kind)
	if rp.Kind == "auto" {
		kind = gidata.KindAuto
	}

	return gidata.Connect(ctx, gidata.Target{
		BaseURL:     rp.URL,
		Kind:        kind,
		TenantID:    rp.Tenant,
		Username:    rp.Username,
		Password:    rp.Password,
		AccessToken: rp.Token,
	},
		gidata.WithLogger(buildLogger()),
		gidata.WithLocation(loc),
		gidata.WithCache(rp.Cache.Path, ttl),
		gidata.WithHTTPClient(&http.Client{Timeout: dataTimeout}),
	)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
