package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-enricher/internal/enrich"
)

var (
	processLimit    int
	processAllUsers bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process due enrichment tasks once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		var out enrich.Outcome
		if processAllUsers {
			out, err = workerTick(ctx, env.Engine, processLimit)
		} else {
			user, uerr := requireUser()
			if uerr != nil {
				return uerr
			}
			out, err = env.Engine.ProcessDue(ctx, user, processLimit)
		}
		if err != nil {
			return eris.Wrap(err, "process")
		}
		return printOutcome(cmd, out)
	},
}

func init() {
	processCmd.Flags().IntVar(&processLimit, "limit", 0, "max tasks per user (default from config)")
	processCmd.Flags().BoolVar(&processAllUsers, "all-users", false, "process every user with due tasks")
	rootCmd.AddCommand(processCmd)
}

func printOutcome(cmd *cobra.Command, o enrich.Outcome) error {
	w := cmd.OutOrStdout()
	if useJSON(w) {
		return printJSON(w, o)
	}
	rows := [][]string{
		{"claimed", strconv.Itoa(o.Claimed)},
		{"complete", strconv.Itoa(o.Complete)},
		{"needs review", strconv.Itoa(o.NeedsReview)},
		{"skipped", strconv.Itoa(o.Skipped)},
		{"failed", strconv.Itoa(o.Failed)},
		{"requeued", strconv.Itoa(o.Requeued)},
		{"deferred", strconv.Itoa(o.Deferred)},
		{"reclaimed", strconv.Itoa(o.Reclaimed)},
	}
	fmt.Fprintln(w, renderTable([]string{"Outcome", "Tasks"}, rows, 1))
	return nil
}
