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

	"github.com/iota-uz/iota-ingest/modules/ingest/presentation/controllers"
	"github.com/iota-uz/iota-ingest/pkg/configuration"
	"github.com/iota-uz/iota-ingest/pkg/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve health, queue inspection and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(configuration.Use())
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv, err := a.httpServer(ctx)
			if err != nil {
				return err
			}
			a.logger.WithField("addr", srv.Addr).Info("serving ops endpoints")
			if err := serveUntilDone(ctx, srv); err != nil && !errors.Is(err, context.Canceled) {
				return withCode(exitInfra, err)
			}
			return nil
		},
	}
}

func (a *app) httpServer(ctx context.Context) (*http.Server, error) {
	store, err := a.queueStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.conf.Ingest.Ledger == configuration.LedgerRedis {
		a.redisClient()
	}

	ctrls := []controllers.Controller{
		controllers.NewHealthController(store, a.queueNames(), a.pingers),
		controllers.NewQueueController(store, a.queueNames(), a.logger),
	}
	if a.conf.Prometheus.Enabled {
		ctrls = append(ctrls, metrics.NewPrometheusController(a.conf.Prometheus.Path, nil))
	}
	return &http.Server{
		Addr:              a.conf.SocketAddress,
		Handler:           controllers.NewRouter(ctrls...),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}
