package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quillreport/quill/internal/model"
	"github.com/quillreport/quill/internal/store"
)

var (
	tasksStatus string
	tasksLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List resolution tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		tasks, err := env.Store.ListTasks(cmd.Context(), store.TaskFilter{
			Status: model.TaskStatus(tasksStatus),
			Limit:  tasksLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTEMPLATE\tSTATUS\tPROGRESS\tRESOLVED\tFAILED\tSTARTED")
		for _, t := range tasks {
			resolved, failed := "-", "-"
			if t.Quality != nil {
				resolved = fmt.Sprintf("%d", t.Quality.ResolvedCount)
				failed = fmt.Sprintf("%d", t.Quality.FailedCount)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\t%s\n",
				t.ID, t.TemplateID, t.Status, t.Progress, resolved, failed,
				t.StartedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		task, err := env.Store.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "maximum tasks to list")
	tasksCmd.AddCommand(taskShowCmd)
	rootCmd.AddCommand(tasksCmd)
}
