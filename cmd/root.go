package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillreport/quill/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Placeholder resolution and report assembly pipeline",
	Long:  "Parses {{type: description}} placeholders out of report templates, binds them to data source fields, executes the generated queries with caching, and assembles the final report.",
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
