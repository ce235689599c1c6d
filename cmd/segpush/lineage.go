package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nucleus/segpush/internal/push"
)

func lineageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage",
		Short: "List the lineage entries of the job spec's table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := a.loadSpec()
			if err != nil {
				return err
			}
			r := push.NewRunner(spec, push.WithLogger(a.logger), push.WithRateLimit(float64(a.cfg.RateLimit)))
			if err := r.Init(cmd.Context()); err != nil {
				return err
			}
			entries, err := r.Coordinator().Entries(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tUPDATED\tFROM\tTO")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.State,
					time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
					strings.Join(e.SegmentsFrom, ","), strings.Join(e.SegmentsTo, ","))
			}
			return tw.Flush()
		},
	}
}
