package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rtg-microscopy/mingest/internal/monitoring"
	"github.com/rtg-microscopy/mingest/internal/server"
	"github.com/rtg-microscopy/mingest/internal/watcher"
)

var watchNoServer bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the microscope output directory and ingest new acquisitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if watchNoServer {
			cfg.Server.Enabled = false
		}

		env, err := initPipeline(ctx, "watch")
		if err != nil {
			return err
		}
		defer env.Close()

		w, err := watcher.New(watcher.Config{
			Root:           cfg.Watch.Path,
			Extensions:     cfg.Watch.Extensions,
			Settle:         cfg.Watch.Settle(),
			ScanExisting:   cfg.Watch.ScanExisting,
			MaxConcurrency: cfg.Pipeline.MaxConcurrency,
			Exclude:        []string{cfg.Output.Root},
		}, env.Pipeline)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error { return w.Run(gctx) })

		g.Go(func() error {
			env.Pipeline.RunSweeper(gctx, secs(cfg.Pipeline.SweepIntervalSecs))
			return nil
		})

		if cfg.Monitoring.WebhookURL != "" {
			collector := monitoring.NewCollector(env.Store, env.Pipeline.Breakers())
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		} else {
			zap.L().Debug("MINGEST_MONITORING_WEBHOOK_URL not set, alerting disabled")
		}

		if cfg.Server.Enabled {
			srv := server.New(server.Config{
				Port:        cfg.Server.Port,
				JWTSecret:   cfg.Server.JWTSecret,
				CORSOrigins: cfg.Server.CORSOrigins,
			}, env.Store, env.Pipeline.Breakers())
			g.Go(func() error { return srv.Run(gctx) })
		}

		zap.L().Info("watching for acquisitions",
			zap.String("path", cfg.Watch.Path),
			zap.Strings("extensions", cfg.Watch.Extensions),
			zap.Bool("server", cfg.Server.Enabled),
		)

		return g.Wait()
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoServer, "no-server", false, "do not start the read API")
	rootCmd.AddCommand(watchCmd)
}
