package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nucleus/segpush/internal/controlplane/memserver"
	"github.com/nucleus/segpush/internal/filesystem"
)

func devServerCmd(a *app) *cobra.Command {
	var (
		addr      string
		deepStore string
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve an in-memory control plane for local pushes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := memserver.Options{AutoCreateTables: true, Logger: a.logger.Named("devserver")}
			if deepStore != "" {
				opts.DeepStore = filesystem.LocalFS{}
				opts.DeepStoreDir = deepStore
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           memserver.New(opts),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			a.logger.Info("devserver listening", "addr", addr, "deepStore", deepStore)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", a.cfg.DevServerAddr, "listen address")
	cmd.Flags().StringVar(&deepStore, "deep-store", "", "file URI the control plane stores segment copies under")
	return cmd
}
