package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/partd-geo/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "partd-geo",
	Short: "Resolve Medicare Part D prescriber addresses to county FIPS codes",
	Long:  "Normalizes Part D prescriber addresses, resolves each to a county through a place-name gazetteer, zip centroids and external geocoders, and classifies the result.",
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
