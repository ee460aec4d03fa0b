package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var statusCancel bool

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show (or cancel) a batch download task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if statusCancel {
			if err := env.Service.CancelTask(cmd.Context(), args[0]); err != nil {
				return err
			}
		}

		task, err := env.Service.TaskStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusCancel, "cancel", false, "request cooperative cancellation first")
	rootCmd.AddCommand(statusCmd)
}
