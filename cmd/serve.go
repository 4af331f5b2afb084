package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quillreport/quill/internal/api"
	"github.com/quillreport/quill/internal/monitoring"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		return api.Serve(ctx, api.Deps{
			Store:        env.Store,
			Sources:      env.Sources,
			Matcher:      env.Matcher,
			Engine:       env.Engine,
			Orchestrator: env.Orchestrator,
			Collector:    env.Collector,
			Config:       cfg,
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
