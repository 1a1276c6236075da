package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"txaccel/internal/api"
	"txaccel/internal/checkpoint"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var skipWarmUp bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "warm up every configured chain and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := root.start(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			var snapshot *checkpoint.Store
			if path := rt.cfg.State.FeeSnapshot; path != "" {
				snapshot = checkpoint.New(path)
				quotes, err := snapshot.Load()
				if err != nil {
					rt.logger.Warnw("fee snapshot ignored", "path", path, "error", err)
				} else {
					rt.engine.RestoreQuotes(quotes)
				}
				defer saveQuotes(rt, snapshot)
			}

			if !skipWarmUp {
				if err := rt.engine.WarmUpAll(ctx); err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return api.NewServer(rt.cfg, rt.logger, rt.engine).Start(gctx)
			})
			if ttl := rt.cfg.Performance.NonceIdleTTL.Duration; ttl > 0 {
				g.Go(func() error {
					every(gctx, ttl/2, func() { rt.engine.Cleanup(ttl) })
					return nil
				})
			}
			if interval := rt.cfg.State.SnapshotInterval.Duration; snapshot != nil && interval > 0 {
				g.Go(func() error {
					every(gctx, interval, func() { saveQuotes(rt, snapshot) })
					return nil
				})
			}
			err = g.Wait()
			rt.logger.Infow("shutting down")
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipWarmUp, "no-warmup", false, "start without filling the pools")
	return cmd
}

func every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func saveQuotes(rt *runtime, s *checkpoint.Store) {
	if err := s.Save(rt.engine.Quotes(), time.Now()); err != nil {
		rt.logger.Warnw("fee snapshot save failed", "path", s.Path(), "error", err)
	}
}
