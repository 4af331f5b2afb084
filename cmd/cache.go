package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage cached placeholder values",
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired cached values",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Engine.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%d expired value(s) deleted\n", n)
		return nil
	},
}

var cacheInvalidateSource string

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <placeholder-id>",
	Short: "Invalidate cached values for a placeholder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Engine.Invalidate(cmd.Context(), args[0], cacheInvalidateSource)
		if err != nil {
			return err
		}
		fmt.Printf("%d value(s) invalidated\n", n)
		return nil
	},
}

var cacheHistoryCmd = &cobra.Command{
	Use:   "history <placeholder-id>",
	Short: "Show recent executions for a placeholder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		values, err := env.Engine.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		for _, v := range values {
			status := "ok"
			if !v.Success {
				status = "failed: " + v.ErrorMessage
			}
			fmt.Printf("%s  %4dms  %4d rows  hits=%-3d  %s\n",
				v.CreatedAt.Format("2006-01-02 15:04:05"), v.ExecutionTimeMs, v.RowCount, v.HitCount, status)
		}
		return nil
	},
}

func init() {
	cacheInvalidateCmd.Flags().StringVar(&cacheInvalidateSource, "source", "", "limit invalidation to one data source")
	cacheCmd.AddCommand(cacheSweepCmd, cacheInvalidateCmd, cacheHistoryCmd)
	rootCmd.AddCommand(cacheCmd)
}
