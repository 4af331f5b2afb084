package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillreport/quill/internal/assembler"
	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/orchestrator"
)

var (
	generateTemplateID string
	generateOut        string
	generateXLSX       string
	generateRefresh    bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <template-file>",
	Short: "Generate a report from a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.Sources.Get("")
		if err != nil {
			return err
		}

		task, err := env.Orchestrator.StartGeneration(cmd.Context(), orchestrator.Request{
			TemplateID:   generateTemplateID,
			TemplateText: string(data),
			Source:       src,
			ForceRefresh: generateRefresh,
		})
		if err != nil {
			return err
		}
		fmt.Printf("task %s started\n", task.ID)

		events, unsubscribe := env.Tracker.Subscribe(task.ID)
		defer unsubscribe()
		if events != nil {
			for e := range events {
				fmt.Printf("  [%5.1f%%] %-12s %s\n", e.Percentage, e.Stage, e.Message)
			}
		}

		// The subscription closes on the terminal transition; give the final
		// snapshot a moment to persist.
		var final *model.ResolutionTask
		for range 20 {
			final, err = env.Tracker.Snapshot(cmd.Context(), task.ID)
			if err == nil && final != nil && final.Status.Terminal() {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if final == nil {
			return fmt.Errorf("task %s: no final state", task.ID)
		}

		fmt.Printf("\ntask %s %s\n", final.ID, final.Status)
		if final.Quality != nil {
			fmt.Printf("placeholders: %d resolved, %d failed, avg confidence %.2f\n",
				final.Quality.ResolvedCount, final.Quality.FailedCount, final.Quality.AverageConfidence)
		}
		if final.ErrorDetails != "" {
			fmt.Printf("error: %s\n", final.ErrorDetails)
		}

		if final.FinalContent != "" {
			if generateOut == "" {
				fmt.Println("\n" + final.FinalContent)
			} else if err := os.WriteFile(generateOut, []byte(final.FinalContent), 0o644); err != nil {
				return err
			} else {
				fmt.Printf("report written to %s\n", generateOut)
			}
		}

		if generateXLSX != "" {
			f, err := os.Create(generateXLSX)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := assembler.ExportXLSX(f, final); err != nil {
				return err
			}
			fmt.Printf("summary workbook written to %s\n", generateXLSX)
		}

		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateTemplateID, "template-id", "cli", "template identifier used for config reuse")
	generateCmd.Flags().StringVarP(&generateOut, "out", "o", "", "write the assembled report to a file instead of stdout")
	generateCmd.Flags().StringVar(&generateXLSX, "xlsx", "", "write a per-placeholder summary workbook")
	generateCmd.Flags().BoolVar(&generateRefresh, "refresh", false, "bypass cached values and re-execute every query")
	rootCmd.AddCommand(generateCmd)
}
