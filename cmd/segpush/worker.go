package main

import (
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"

	"github.com/nucleus/segpush/internal/dispatch"
	"github.com/nucleus/segpush/internal/push"
)

func workerCmd(a *app) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker that pushes dispatched units",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tc, err := a.dialTemporal()
			if err != nil {
				return err
			}
			defer tc.Close()

			w := worker.New(tc, a.cfg.TaskQueue, worker.Options{
				MaxConcurrentActivityExecutionSize: concurrency,
			})
			// Units rebuild their registries from their own spec copy. Specs
			// arrive redacted; credentials come from this worker's environment.
			dispatch.Register(w, &dispatch.Activities{
				Run: push.UnitRunner(push.UnitConfig{
					Logger:    a.logger.Named("unit"),
					RateLimit: float64(a.cfg.RateLimit),
					Resolve:   a.cfg.ResolveSecrets,
				}),
			})
			a.logger.Info("worker started", "address", a.cfg.TemporalAddress,
				"namespace", a.cfg.TemporalNamespace, "queue", a.cfg.TaskQueue)
			return w.Run(worker.InterruptCh())
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max units pushed at once (0: SDK default)")
	return cmd
}
