package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-recommender/internal/events"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/server"
)

var shutdownGrace time.Duration

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve recommendations over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 10*time.Second, "Time allowed for in-flight requests on shutdown")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := server.New(server.Options{
		Pipeline:    rt.pipeline,
		Store:       rt.store,
		Catalog:     rt.snapshot,
		Circuits:    rt.models,
		Tiers:       rt.tiers,
		MaxDeadline: cfg.Server.MaxDeadline,
		RateLimit:   cfg.Server.RateLimit,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Endpoints.Content.Address != "" {
		worker := events.NewContentWorker(rt.models, cfg.Endpoints.Content.Timeout, events.WorkerLimits{
			Concurrency: cfg.Events.ContentConcurrency,
			Queue:       cfg.Events.ContentQueue,
		})
		g.Go(func() error {
			err := worker.Run(gctx, rt.bus.Subscriber())
			st := worker.Stats()
			logging.Info().Int64("received", st.Received).Int64("generated", st.Generated).
				Int64("failed", st.Failed).Int64("dropped", st.Dropped).Msg("[SERVER] content worker stopped")
			return err
		})
	}

	g.Go(func() error {
		logging.Info().Str("addr", cfg.Server.Addr).Str("backend", cfg.Store.Backend).
			Int("catalog_items", rt.snapshot.Len()).Msg("[SERVER] listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		logging.Info().Msg("[SERVER] shutting down")
		return httpServer.Shutdown(sctx)
	})

	return g.Wait()
}
