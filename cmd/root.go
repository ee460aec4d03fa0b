package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sinodata/fundreports/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fundreports",
	Short: "Ingestion pipeline for Chinese mutual fund periodic reports",
	Long:  "Searches the CSRC disclosure portal, downloads report artifacts, extracts XBRL/iXBRL/HTML financial data, and persists structured fund reports.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
