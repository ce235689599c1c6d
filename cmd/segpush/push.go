package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"github.com/nucleus/segpush/internal/dispatch"
	"github.com/nucleus/segpush/internal/jobspec"
	"github.com/nucleus/segpush/internal/push"
)

func pushCmd(a *app) *cobra.Command {
	var (
		mode        string
		parallelism int
		temporal    bool
		unitTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Discover, route and upload the segments of a job spec",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			spec, err := a.loadSpec()
			if err != nil {
				return err
			}
			if mode != "" {
				m, err := jobspec.ParseMode(mode)
				if err != nil {
					return err
				}
				spec.Push.Mode = m
			}
			if cmd.Flags().Changed("parallelism") {
				spec.Push.Parallelism = parallelism
			}
			if temporal {
				spec.ExecutionFramework = jobspec.FrameworkTemporal
			}

			store, err := a.openJournal(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := []push.Option{
				push.WithLogger(a.logger),
				push.WithRateLimit(float64(a.cfg.RateLimit)),
				push.WithJournal(store),
			}
			if spec.ExecutionFramework == jobspec.FrameworkTemporal {
				tc, err := a.dialTemporal()
				if err != nil {
					return err
				}
				defer tc.Close()
				opts = append(opts, push.WithDispatcher(&dispatch.TemporalDispatcher{
					Client:      tc,
					TaskQueue:   a.cfg.TaskQueue,
					UnitTimeout: unitTimeout,
				}))
			}

			res, err := runPush(ctx, spec, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d segments to %s (%s, %d units, run %s)\n",
				len(res.Segments), res.Table, res.Mode, res.Units, res.RunID)
			if res.Guarded {
				fmt.Fprintf(cmd.OutOrStdout(), "lineage entry %s completed\n", res.EntryID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override push.mode (TAR, URI or METADATA)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "override push.parallelism")
	cmd.Flags().BoolVar(&temporal, "temporal", false, "dispatch units to segpush workers through Temporal")
	cmd.Flags().DurationVar(&unitTimeout, "unit-timeout", 0, "override the start-to-close timeout of a dispatched unit (default: segments x retry budget)")
	return cmd
}

func runPush(ctx context.Context, spec *jobspec.JobSpec, opts ...push.Option) (*push.Result, error) {
	r := push.NewRunner(spec, opts...)
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

func (a *app) dialTemporal() (client.Client, error) {
	tc, err := client.Dial(client.Options{
		HostPort:  a.cfg.TemporalAddress,
		Namespace: a.cfg.TemporalNamespace,
		Logger:    a.logger.Named("temporal"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to temporal at %s: %w", a.cfg.TemporalAddress, err)
	}
	return tc, nil
}
