// Package cli implements the blocksync command tree.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"blocksync/internal/app"
	"blocksync/internal/calendar"
	"blocksync/internal/config"
	"blocksync/internal/gcal"
	appLog "blocksync/internal/log"
	"blocksync/internal/metrics"
	"blocksync/internal/property"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	// NewAPI builds the host calendar client; the Google adapter by default.
	NewAPI func(ctx context.Context, cfg *config.Config) (calendar.API, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{NewAPI: googleAPI})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocksync",
		Short: "Mirror busy time from source calendars onto a blocker calendar",
		Long: `blocksync reads the change feeds of a scheduler and a home calendar and keeps
one placeholder block per event on a blocker calendar, so that availability
shows up everywhere without copying event details.`,
		SilenceUsage:  true,
		SilenceErrors: true, // main logs the error
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newDrainCommand(opts))
	cmd.AddCommand(newResetCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newFreeCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newAuthCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// env is everything a command needs once config is loaded.
type env struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	runner  *app.Runner
	close   func()
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
	}
	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	appLog.Init(appLog.Options{Level: level, Format: cfg.Log.Format})
	return cfg, nil
}

func setup(ctx context.Context, opts *RootOptions) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	store, err := property.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open property store: %w", err)
	}
	closeStore := func() {
		if c, ok := store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				appLog.Warn("closing property store failed", "reason", err.Error())
			}
		}
	}

	api, err := opts.NewAPI(ctx, cfg)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("calendar client: %w", err)
	}

	m := metrics.New()
	appLog.Debug("effective config",
		"scheduler_calendar", cfg.SchedulerCalendar,
		"home_calendar", cfg.HomeCalendar,
		"blocker_calendar", cfg.BlockerCalendar,
		"store", cfg.Store.Kind,
		"timezone", cfg.Timezone,
	)
	return &env{
		cfg:     cfg,
		metrics: m,
		runner:  app.New(app.Deps{Config: cfg, API: api, Store: store, Metrics: m}),
		close: func() {
			closeStore()
			appLog.Sync()
		},
	}, nil
}

func googleAPI(ctx context.Context, cfg *config.Config) (calendar.API, error) {
	svc, err := gcal.NewService(ctx, gcal.Options{
		CredentialsFile: cfg.Google.CredentialsFile,
		TokenFile:       cfg.Google.TokenFile,
	})
	if err != nil {
		return nil, err
	}
	return gcal.New(svc), nil
}
