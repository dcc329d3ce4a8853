package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"taskd/internal/app"
	"taskd/internal/taskservice"
	logx "taskd/pkg/logx"
)

type pendingRow struct {
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Owner     string        `json:"owner"`
	Start     time.Time     `json:"start,omitzero"`
	Period    time.Duration `json:"period,omitempty"`
	Node      int64         `json:"node"`
	Reference bool          `json:"reference,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

func newPendingCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List the pending task records in the store",
		Long:  "pending reads the store directly. Run it against a stopped daemon when using the file driver.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, closeStore, err := app.OpenData(configPath(cmd), logx.Nop())
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			tasks, bad, err := taskservice.ListPending(cmd.Context(), ds)
			if err != nil {
				return err
			}
			rows := make([]pendingRow, 0, len(tasks))
			for _, p := range tasks {
				rows = append(rows, pendingRow{
					Name:      p.Name(),
					Kind:      p.Kind(),
					Owner:     p.Owner(),
					Start:     p.Start(),
					Period:    p.Period(),
					Node:      p.RunningNode(),
					Reference: p.IsReference(),
					Cancelled: p.IsCancelled(),
				})
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"pending": rows, "unreadable": bad})
			}
			return writePendingTable(cmd.OutOrStdout(), rows, bad, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func writePendingTable(w io.Writer, rows []pendingRow, bad []string, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tOWNER\tSTART\tPERIOD\tNODE\tFLAGS")
	for _, r := range rows {
		start := "now"
		if !r.Start.IsZero() {
			start = humanize.RelTime(r.Start, now, "ago", "from now")
		}
		period := "-"
		if r.Period > 0 {
			period = r.Period.String()
		}
		node := "-"
		if r.Node >= 0 {
			node = humanize.Comma(r.Node)
		}
		flags := ""
		if r.Reference {
			flags += "ref "
		}
		if r.Cancelled {
			flags += "cancelled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.Name, r.Kind, r.Owner, start, period, node, flags)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s pending, %s unreadable\n", humanize.Comma(int64(len(rows))), humanize.Comma(int64(len(bad))))
	return err
}
