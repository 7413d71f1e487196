// Package cli holds the flag wiring shared by the pipeline commands.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tendant/detect-pipeline/internal/config"
	"github.com/tendant/detect-pipeline/internal/logging"
	"github.com/tendant/detect-pipeline/internal/metrics"
	"github.com/tendant/detect-pipeline/pkg/runner"
)

// Flags are command-line overrides applied on top of the environment
type Flags struct {
	Addr              string
	Inbox             string
	Outbox            string
	Workers           int
	UploadMode        string
	Ledger            string
	LedgerDSN         string
	LogLevel          string
	SkipDetectorCheck bool
	Once              bool
}

// Register binds the shared flags to cmd
func (f *Flags) Register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Addr, "addr", "", "HTTP listen address (overrides "+config.EnvHTTPAddr+")")
	cmd.Flags().StringVar(&f.Inbox, "inbox", "", "Inbox prefix to poll (overrides "+config.EnvInboxPrefix+")")
	cmd.Flags().StringVar(&f.Outbox, "outbox", "", "Outbox prefix for results (overrides "+config.EnvOutboxPrefix+")")
	cmd.Flags().IntVarP(&f.Workers, "workers", "w", 0, "Objects processed concurrently per cycle (overrides "+config.EnvWorkers+")")
	cmd.Flags().StringVar(&f.UploadMode, "upload-mode", "", "scan or produced (overrides "+config.EnvUploadMode+")")
	cmd.Flags().StringVar(&f.Ledger, "ledger", "", "memory, sqlite or postgres (overrides "+config.EnvLedger+")")
	cmd.Flags().StringVar(&f.LedgerDSN, "ledger-dsn", "", "SQLite path or Postgres URL (overrides "+config.EnvLedgerDSN+")")
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "", "debug, info, warn or error (overrides "+config.EnvLogLevel+")")
	cmd.Flags().BoolVar(&f.SkipDetectorCheck, "skip-detector-check", false, "Start even if the inference server is not healthy yet")
	cmd.Flags().BoolVar(&f.Once, "once", false, "Run a single poll cycle and exit")
}

// Apply copies every flag that was set onto cfg and revalidates it
func (f *Flags) Apply(cfg *config.Config) error {
	set := func(v string, dst *string) {
		if v != "" {
			*dst = v
		}
	}
	set(f.Addr, &cfg.HTTPAddr)
	set(f.Inbox, &cfg.InboxPrefix)
	set(f.Outbox, &cfg.OutboxPrefix)
	set(f.UploadMode, &cfg.UploadMode)
	set(f.Ledger, &cfg.Ledger)
	set(f.LedgerDSN, &cfg.LedgerDSN)
	set(f.LogLevel, &cfg.LogLevel)
	if f.Workers > 0 {
		cfg.Workers = f.Workers
	}
	return cfg.Validate()
}

// InitLogging configures the global logger from cfg. Commands call it right
// after the flags are applied, before anything is logged.
func InitLogging(cfg config.Config) {
	logging.Init(cfg.LogLevel, cfg.LogFormat)
}

// Run starts the runner until SIGINT or SIGTERM, or runs one cycle when --once is set
func Run(cfg config.Config, f *Flags, opts ...runner.Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts = append(opts, runner.WithMetrics(metrics.New()))
	if f.SkipDetectorCheck {
		opts = append(opts, runner.SkipDetectorCheck())
	}

	r, err := runner.New(ctx, cfg, opts...)
	if err != nil {
		if errors.Is(err, config.ErrFatalSetup) {
			log.Error().Err(err).Msg("Startup failed")
		}
		return err
	}
	defer r.Close()

	if f.Once {
		stats, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Int("listed", stats.Listed).
			Int("succeeded", stats.Succeeded).
			Int("failed", stats.Failed).
			Msg("Single cycle finished")
		return nil
	}

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("bucket", cfg.Bucket).
		Str("inbox", cfg.InboxPrefix).
		Str("outbox", cfg.OutboxPrefix).
		Str("ledger", cfg.Ledger).
		Msg("Detect pipeline starting")

	return r.Run(ctx)
}
