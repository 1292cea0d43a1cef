package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/theme-collab/pkg/history"
)

func newHistoryCommand(root *rootOptions) *cobra.Command {
	var (
		path     string
		document string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the text versions snapshotted for a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("db") {
				path = root.cfg.History.Path
			}
			if !cmd.Flags().Changed("document") {
				document = root.cfg.Document
			}
			if path == "" {
				return fmt.Errorf("no history database given, set --db or history.path")
			}
			store, err := history.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()
			return printVersions(cmd.Context(), store, document, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&path, "db", "", "the sqlite history database")
	cmd.Flags().StringVar(&document, "document", "", "the document id")
	cmd.Flags().IntVar(&limit, "limit", 20, "how many versions to show, 0 for all")
	return cmd
}

func printVersions(ctx context.Context, store *history.Store, document string, limit int, w io.Writer) error {
	versions, err := store.List(ctx, document, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECORDED\tLENGTH\tFIRST LINE")
	for _, v := range versions {
		first, _, _ := strings.Cut(v.Text, "\n")
		fmt.Fprintf(tw, "%d\t%s\t%d\t%q\n", v.ID, v.RecordedAt.Format(time.RFC3339), len(v.Text), first)
	}
	return tw.Flush()
}
