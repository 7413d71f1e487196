package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tendant/detect-pipeline/internal/cli"
	"github.com/tendant/detect-pipeline/internal/config"
	"github.com/tendant/detect-pipeline/pkg/runner"
)

var (
	flags      cli.Flags
	storageDir string
)

// Standalone pipeline for local development.
// Uses a directory as the bucket (./dev-data) and a SQLite ledger inside it,
// so no S3 credentials are needed.
var rootCmd = &cobra.Command{
	Use:   "pipeline-standalone",
	Short: "Run the detect pipeline against a local directory instead of S3",
	Long: `pipeline-standalone treats a local directory as the bucket: drop images into
<storage-dir>/uploads/ and annotated results appear under <storage-dir>/predictions/.
Processed keys are kept in <storage-dir>/ledger.db unless PIPELINE_LEDGER is set.

Examples:
  pipeline-standalone
  pipeline-standalone --storage-dir /tmp/detect --skip-detector-check`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if storageDir != "" {
			cfg.StorageDir = storageDir
		}
		if os.Getenv(config.EnvLedger) == "" {
			cfg.Ledger = config.LedgerSQLite
			cfg.LedgerDSN = filepath.Join(cfg.StorageDir, "ledger.db")
		}
		if err := flags.Apply(&cfg); err != nil {
			return err
		}
		cli.InitLogging(cfg)

		store, err := runner.OpenFilesystemStore(cfg)
		if err != nil {
			return err
		}
		log.Info().Str("storage_dir", cfg.StorageDir).Msg("Using filesystem storage")

		return cli.Run(cfg, &flags, runner.WithStore(store))
	},
}

func init() {
	rootCmd.Flags().StringVar(&storageDir, "storage-dir", "", "Directory used as the bucket (overrides "+config.EnvStorageDir+")")
	flags.Register(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
