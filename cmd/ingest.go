package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sinodata/fundreports/internal/model"
)

var (
	ingestQuery    searchFlags
	ingestMaxPages int
	ingestNoWait   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Search, download, parse and persist matching reports as a batch task",
	RunE: func(cmd *cobra.Command, args []string) error {
		criteria, err := ingestQuery.criteria()
		if err != nil {
			return err
		}

		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		refs, err := env.Service.SearchAll(cmd.Context(), criteria, ingestMaxPages)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			fmt.Println("no reports matched")
			return nil
		}

		taskID, err := env.Service.EnqueueBatch(cmd.Context(), refs)
		if err != nil {
			return err
		}
		fmt.Printf("task %s enqueued with %d reports\n", taskID, len(refs))

		if ingestNoWait {
			return nil
		}
		return waitForTask(cmd.Context(), env, taskID)
	},
}

// waitForTask polls the task until it reaches a terminal state, printing
// progress along the way.
func waitForTask(ctx context.Context, env *appEnv, taskID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("interrupted; task %s keeps running, check it with: fundreports status %s\n", taskID, taskID)
			return nil
		case <-ticker.C:
		}

		task, err := env.Service.TaskStatus(ctx, taskID)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d/%d done (%.0f%%), %d failed\n",
			task.Status, task.Progress.Completed, task.Progress.Total,
			task.Progress.Percent, task.Progress.Failed)

		if task.Status.Terminal() {
			printTaskSummary(task)
			if task.Status == model.TaskStatusFailed {
				return eris.Errorf("task %s failed", taskID)
			}
			return nil
		}
	}
}

func printTaskSummary(task *model.DownloadTask) {
	for id, out := range task.PerItem {
		if out.Error == nil {
			continue
		}
		fmt.Printf("  %s: %s (%s) %s\n", id, out.Status, out.Error.Kind, out.Error.Message)
	}
}

func init() {
	addSearchFlags(ingestCmd, &ingestQuery)
	ingestCmd.Flags().IntVar(&ingestMaxPages, "max-pages", 0, "page cap for the search (0 = no cap)")
	ingestCmd.Flags().BoolVar(&ingestNoWait, "no-wait", false, "print the task id and exit instead of waiting")
	rootCmd.AddCommand(ingestCmd)
}
