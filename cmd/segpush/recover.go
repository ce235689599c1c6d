package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nucleus/segpush/internal/journal"
	"github.com/nucleus/segpush/internal/push"
)

func recoverCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Abort lineage entries a crashed push left in progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			spec, err := a.loadSpec()
			if err != nil {
				return err
			}
			r := push.NewRunner(spec, push.WithLogger(a.logger), push.WithRateLimit(float64(a.cfg.RateLimit)))
			if err := r.Init(ctx); err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = spec.Push.StaleLineageAfter
			}
			rec, err := r.Coordinator().RecoverStale(ctx, olderThan)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			aborted := make(map[string]bool, len(rec.Aborted))
			for _, e := range rec.Aborted {
				aborted[e.ID] = true
				fmt.Fprintf(out, "aborted %s (%d segments discarded)\n", e.ID, len(e.SegmentsTo))
			}
			for _, e := range rec.Pending {
				fmt.Fprintf(out, "in progress %s since %s\n", e.ID, time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339))
			}

			store, err := a.openJournal(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListOpen(ctx, spec.Table.Name, spec.Table.Type)
			if err != nil {
				return err
			}
			for i := range runs {
				run := &runs[i]
				if !aborted[run.EntryID] {
					continue
				}
				run.State = journal.StateFailed
				run.Error = "lineage entry aborted by recovery"
				if err := store.Update(ctx, run); err != nil {
					return err
				}
				fmt.Fprintf(out, "run %s marked failed\n", run.ID)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "abort entries older than this (default push.staleLineageAfter)")
	return cmd
}
