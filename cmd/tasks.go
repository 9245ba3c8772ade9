package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/model"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and resolve enrichment tasks",
}

var (
	listStatus string
	listCursor string
	listLimit  int
)

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserEnv(cmd, func(ctx context.Context, env *enrichEnv, user string) error {
			page, err := env.Engine.ListTasks(ctx, user, enrich.ListRequest{
				Status: model.TaskStatus(listStatus),
				Cursor: listCursor,
				Limit:  listLimit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if useJSON(out) {
				return printJSON(out, page)
			}
			rows := make([][]string, 0, len(page.Tasks))
			for _, t := range page.Tasks {
				rows = append(rows, []string{
					t.ID,
					t.LibraryItemID,
					string(t.Status),
					string(t.Confidence),
					strconv.Itoa(t.AttemptCount),
					t.CreatedAt.Format(time.RFC3339),
					taskNote(&t),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Task", "Item", "Status", "Confidence", "Attempts", "Created", "Note"},
				rows, 4,
			))
			if page.NextCursor != "" {
				fmt.Fprintf(out, "next page: --cursor %s\n", page.NextCursor)
			}
			return nil
		})
	},
}

// taskNote is the one-line detail shown next to a task.
func taskNote(t *model.Task) string {
	switch t.Status {
	case model.TaskSkipped:
		return t.SkipReason()
	case model.TaskFailed:
		return t.LastError
	case model.TaskComplete:
		names := make([]string, 0, len(t.FieldsApplied))
		for _, f := range t.FieldsApplied {
			names = append(names, string(f))
		}
		return strings.Join(names, ", ")
	}
	return ""
}

var tasksSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count tasks by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserEnv(cmd, func(ctx context.Context, env *enrichEnv, user string) error {
			counts, err := env.Engine.Summary(ctx, user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if useJSON(out) {
				return printJSON(out, counts)
			}
			rows := make([][]string, 0, len(model.TaskStatuses))
			for _, s := range model.TaskStatuses {
				rows = append(rows, []string{string(s), strconv.Itoa(counts[s])})
			}
			fmt.Fprintln(out, renderTable([]string{"Status", "Tasks"}, rows, 1))
			return nil
		})
	},
}

var tasksAuditCmd = &cobra.Command{
	Use:   "audit <task-id>",
	Short: "Show the audit trail of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserEnv(cmd, func(ctx context.Context, env *enrichEnv, user string) error {
			entries, err := env.Engine.TaskAudit(ctx, user, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if useJSON(out) {
				return printJSON(out, entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.CreatedAt.Format(time.RFC3339),
					string(e.Action),
					e.Provider,
					string(e.Confidence),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"At", "Action", "Provider", "Confidence"}, rows))
			return nil
		})
	},
}

var approveSet []string

var tasksApproveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve a task awaiting review",
	Long:  "Without --set, selections are recomputed from the providers. Each --set field=value applies exactly that value.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		selections, err := parseSelections(approveSet)
		if err != nil {
			return err
		}
		return withUserEnv(cmd, func(ctx context.Context, env *enrichEnv, user string) error {
			t, err := env.Engine.Approve(ctx, user, args[0], selections)
			if err != nil {
				return err
			}
			return printTask(cmd, t)
		})
	},
}

// parseSelections turns field=value pairs into explicit selections. No
// pairs means nil, which asks for recomputation.
func parseSelections(pairs []string) (*[]model.FieldSelection, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make([]model.FieldSelection, 0, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, eris.Errorf("invalid selection %q, want field=value", p)
		}
		field := model.FieldKey(strings.TrimSpace(k))
		if !field.Valid() {
			return nil, eris.Errorf("unknown field %q", k)
		}
		out = append(out, model.FieldSelection{Field: field, Value: v})
	}
	return &out, nil
}

func taskActionCmd(use, short string, action func(*enrich.Engine) func(context.Context, string, string) (*model.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserEnv(cmd, func(ctx context.Context, env *enrichEnv, user string) error {
				t, err := action(env.Engine)(ctx, user, args[0])
				if err != nil {
					return err
				}
				return printTask(cmd, t)
			})
		},
	}
}

var tasksPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired no-match cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "tasks")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Engine.PruneNoMatch(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired no-match entries\n", n)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	tasksListCmd.Flags().StringVar(&listCursor, "cursor", "", "cursor from a previous page")
	tasksListCmd.Flags().IntVar(&listLimit, "limit", 0, "page size (default from config)")
	tasksApproveCmd.Flags().StringArrayVar(&approveSet, "set", nil, "explicit selection as field=value (repeatable)")

	tasksCmd.AddCommand(
		tasksListCmd,
		tasksSummaryCmd,
		tasksAuditCmd,
		tasksApproveCmd,
		taskActionCmd("dismiss", "Dismiss a task without applying anything",
			func(e *enrich.Engine) func(context.Context, string, string) (*model.Task, error) { return e.Dismiss }),
		taskActionCmd("retry", "Requeue a failed or skipped task",
			func(e *enrich.Engine) func(context.Context, string, string) (*model.Task, error) { return e.Retry }),
		taskActionCmd("retry-now", "Requeue a task and process it immediately",
			func(e *enrich.Engine) func(context.Context, string, string) (*model.Task, error) { return e.RetryNow }),
		tasksPruneCmd,
	)
	rootCmd.AddCommand(tasksCmd)
}

// withUserEnv resolves --user, builds the environment and runs fn.
func withUserEnv(cmd *cobra.Command, fn func(context.Context, *enrichEnv, string) error) error {
	user, err := requireUser()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	env, err := initEnv(ctx, "tasks")
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env, user)
}

func printTask(cmd *cobra.Command, t *model.Task) error {
	out := cmd.OutOrStdout()
	if useJSON(out) {
		return printJSON(out, t)
	}
	fmt.Fprintf(out, "task %s is %s", t.ID, t.Status)
	if note := taskNote(t); note != "" {
		fmt.Fprintf(out, " (%s)", note)
	}
	fmt.Fprintln(out)
	return nil
}
