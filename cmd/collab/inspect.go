package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/theme-collab/pkg/crdt"
	"github.com/astromechza/theme-collab/pkg/viz"
)

func newInspectCommand(_ *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print the history of a dumped document and render its change graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read input file: %w", err)
			}
			doc, err := crdt.Load(raw, "inspect")
			if err != nil {
				return err
			}
			slog.Info("loaded doc", "text", doc.String(), "heads", doc.Heads())

			revisions, err := doc.History()
			if err != nil {
				return err
			}
			for i, r := range revisions {
				slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", r.Hash, "actor", r.Actor, "seq", r.Seq, "deps", r.Dependencies)
			}

			if out == "" {
				if out, err = viz.RenderToTemp(revisions); err != nil {
					return err
				}
			} else if err := viz.RenderSVG(revisions, out); err != nil {
				return err
			}
			slog.Info("rendered", "path", "file://"+out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "where to write the SVG, a temp file when empty")
	return cmd
}
