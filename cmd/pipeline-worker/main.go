package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tendant/detect-pipeline/internal/cli"
	"github.com/tendant/detect-pipeline/internal/config"
)

var flags cli.Flags

var rootCmd = &cobra.Command{
	Use:   "pipeline-worker",
	Short: "Poll an S3 bucket for new images, run detection and publish annotated results",
	Long: `pipeline-worker watches the inbox prefix of an S3 bucket, sends each new image
to the inference server, uploads the annotated results to the outbox prefix and
serves presigned links to them over HTTP.

Configuration comes from the environment (and .env); flags override it.

Examples:
  pipeline-worker
  pipeline-worker --ledger sqlite --ledger-dsn ./data/ledger.db
  pipeline-worker --upload-mode produced --workers 4
  pipeline-worker --once`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := flags.Apply(&cfg); err != nil {
			return err
		}
		cli.InitLogging(cfg)
		return cli.Run(cfg, &flags)
	},
}

func init() {
	flags.Register(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
