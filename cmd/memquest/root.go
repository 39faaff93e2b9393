package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/memquest/memquest/pkg/config"
	"github.com/memquest/memquest/pkg/observability/logging"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "memquest",
	Short:        "memquest is the hot/cold memory plane for conversational agents",
	Long:         "memquest ingests conversational facts asynchronously (redact, decide, embed, upsert)\nand serves them back through low-latency hybrid retrieval.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is a development convenience; absence is expected in prod.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		return logging.Init(cfg.Logging.Level)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")
}
