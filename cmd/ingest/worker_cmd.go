package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/iota-ingest/pkg/configuration"
)

type workerOptions struct {
	http bool
}

func newWorkerCmd() *cobra.Command {
	var opts workerOptions

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the sink and upsert relays until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(configuration.Use())
			defer a.close()
			return runWorker(cmd.Context(), a, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.http, "http", true, "Serve health, queue and metrics endpoints alongside the relays")
	return cmd
}

func runWorker(ctx context.Context, a *app, opts workerOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	relays, err := a.relays(ctx)
	if err != nil {
		return err
	}
	cleaner, err := a.cleaner(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range relays {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error { return cleaner.Run(gctx) })
	if opts.http {
		srv, err := a.httpServer(gctx)
		if err != nil {
			return err
		}
		g.Go(func() error { return serveUntilDone(gctx, srv) })
	}

	a.logger.WithField("queues", a.queueNames()).Info("worker started")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return withCode(exitInfra, err)
	}
	a.logger.Info("worker stopped")
	return nil
}

// serveUntilDone runs srv and shuts it down when ctx ends.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return ctx.Err()
}
