package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/model"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage library items",
}

var (
	addTitle     string
	addAuthors   []string
	addISBN      string
	addPublisher string
	addEnqueue   bool
)

var catalogAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a work to a user's library",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		if strings.TrimSpace(addTitle) == "" {
			return eris.New("--title is required")
		}

		ctx := cmd.Context()
		st, err := openStore(ctx, "tasks")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		work := &model.Work{Title: strings.TrimSpace(addTitle)}
		if err := st.CreateWork(ctx, work, addAuthors); err != nil {
			return eris.Wrap(err, "catalog add: create work")
		}

		item := &model.LibraryItem{UserID: user, WorkID: work.ID}
		if addISBN != "" || addPublisher != "" {
			ed := &model.Edition{WorkID: work.ID, Publisher: strings.TrimSpace(addPublisher)}
			if addISBN != "" {
				if v, ok := enrich.Normalize(model.FieldISBN13, addISBN); ok {
					ed.ISBN13 = v
				} else if v, ok := enrich.Normalize(model.FieldISBN10, addISBN); ok {
					ed.ISBN10 = v
				} else {
					return eris.Errorf("invalid ISBN %q", addISBN)
				}
			}
			if err := st.CreateEdition(ctx, ed); err != nil {
				return eris.Wrap(err, "catalog add: create edition")
			}
			item.PreferredEditionID = ed.ID
		}
		if err := st.CreateLibraryItem(ctx, item); err != nil {
			return eris.Wrap(err, "catalog add: create library item")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added item %s (work %s)\n", item.ID, work.ID)

		if !addEnqueue {
			return nil
		}
		_ = st.Close()
		env, err := initEnv(ctx, "enqueue")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine.Enqueue(ctx, user, enrich.EnqueueRequest{
			ItemIDs: []string{item.ID},
			Trigger: model.TriggerImport,
		})
		if err != nil {
			return err
		}
		return printEnqueueResult(cmd, res)
	},
}

var catalogShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Show a library item and the fields it is missing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireUser()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx, "tasks")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.GetItemSnapshot(ctx, user, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		missing := enrich.MissingFields(snap)
		if useJSON(out) {
			return printJSON(out, map[string]any{"snapshot": snap, "missing_fields": missing})
		}

		authors := make([]string, 0, len(snap.Authors))
		for _, a := range snap.Authors {
			authors = append(authors, a.Name)
		}
		names := make([]string, 0, len(missing))
		for _, f := range missing {
			names = append(names, string(f))
		}
		rows := [][]string{
			{"item", snap.Item.ID},
			{"title", snap.Work.Title},
			{"authors", strings.Join(authors, ", ")},
			{"isbns", strings.Join(snap.ISBNs, ", ")},
			{"missing", strings.Join(names, ", ")},
		}
		fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows))
		return nil
	},
}

func init() {
	catalogAddCmd.Flags().StringVar(&addTitle, "title", "", "work title")
	catalogAddCmd.Flags().StringSliceVar(&addAuthors, "author", nil, "author name (repeatable)")
	catalogAddCmd.Flags().StringVar(&addISBN, "isbn", "", "ISBN-10 or ISBN-13 of the owned edition")
	catalogAddCmd.Flags().StringVar(&addPublisher, "publisher", "", "publisher of the owned edition")
	catalogAddCmd.Flags().BoolVar(&addEnqueue, "enqueue", false, "enqueue enrichment for the new item")

	catalogCmd.AddCommand(catalogAddCmd, catalogShowCmd)
	rootCmd.AddCommand(catalogCmd)
}
