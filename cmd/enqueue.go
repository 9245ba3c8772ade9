package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/model"
)

var (
	enqueueItems    []string
	enqueueTrigger  string
	enqueuePriority int
	enqueueAll      bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue enrichment tasks for library items",
	Long:  "Queues one task per item with missing metadata. With --all, every item in the user's library is considered (trigger backfill).",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		if !enqueueAll && len(enqueueItems) == 0 {
			return eris.New("one of --items or --all is required")
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "enqueue")
		if err != nil {
			return err
		}
		defer env.Close()

		var res enrich.EnqueueResult
		if enqueueAll {
			res, err = env.Engine.EnqueueAllMissing(ctx, user)
		} else {
			req := enrich.EnqueueRequest{
				ItemIDs: enqueueItems,
				Trigger: model.TriggerSource(enqueueTrigger),
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &enqueuePriority
			}
			res, err = env.Engine.Enqueue(ctx, user, req)
		}
		if err != nil {
			return err
		}
		return printEnqueueResult(cmd, res)
	},
}

func init() {
	enqueueCmd.Flags().StringSliceVar(&enqueueItems, "items", nil, "library item ids (comma-separated)")
	enqueueCmd.Flags().StringVar(&enqueueTrigger, "trigger", string(model.TriggerManual), "trigger source: manual, import, backfill")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", model.DefaultTaskPriority, "task priority (lower runs first)")
	enqueueCmd.Flags().BoolVar(&enqueueAll, "all", false, "enqueue every item in the library that misses metadata")
	rootCmd.AddCommand(enqueueCmd)
}

func printEnqueueResult(cmd *cobra.Command, res enrich.EnqueueResult) error {
	out := cmd.OutOrStdout()
	if useJSON(out) {
		return printJSON(out, res)
	}
	rows := [][]string{
		{"created", strconv.Itoa(len(res.Created))},
		{"duplicates", strconv.Itoa(len(res.Duplicates))},
		{"complete", strconv.Itoa(len(res.Complete))},
		{"not found", strconv.Itoa(len(res.NotFound))},
	}
	fmt.Fprintln(out, renderTable([]string{"Result", "Items"}, rows, 1))
	return nil
}
