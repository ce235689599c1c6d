package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/nucleus/segpush/internal/config"
	"github.com/nucleus/segpush/internal/jobspec"
	"github.com/nucleus/segpush/internal/journal"
)

// app carries what every subcommand shares.
type app struct {
	cfg      *config.Config
	logger   hclog.Logger
	specPath string
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.Load()}
	a.logger = a.cfg.Logger("segpush")

	root := &cobra.Command{
		Use:          "segpush",
		Short:        "Publish segment archives to a table, atomically for REFRESH tables",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&a.specPath, "spec", "s", "", "path to the YAML job spec")

	root.AddCommand(
		pushCmd(a),
		recoverCmd(a),
		lineageCmd(a),
		workerCmd(a),
		devServerCmd(a),
	)
	return root
}

// loadSpec reads the job spec and fills control-plane settings from the
// environment where the document leaves them empty.
func (a *app) loadSpec() (*jobspec.JobSpec, error) {
	if a.specPath == "" {
		return nil, fmt.Errorf("--spec is required")
	}
	spec, err := jobspec.Load(a.specPath)
	if err != nil {
		return nil, err
	}
	a.cfg.ApplyTo(spec)
	return spec, nil
}

// openJournal returns the Postgres journal when a database URL is configured,
// else an in-process one.
func (a *app) openJournal(ctx context.Context) (journal.Store, error) {
	if a.cfg.JournalDatabaseURL == "" {
		return journal.NewMemoryStore(), nil
	}
	store, err := journal.NewPostgresStore(ctx, a.cfg.JournalDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return store, nil
}
