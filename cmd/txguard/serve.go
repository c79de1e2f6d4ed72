package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hed1ad/txguard/pkg/api"
	"github.com/hed1ad/txguard/pkg/monitor"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and transaction monitor",
		Long: `Serve the transaction API. The monitor can be started and stopped over
HTTP, or immediately with --monitor.`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Bool("monitor", false, "start the monitor on boot (overrides monitor.auto_start)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("monitor.auto_start", cmd.Flags().Lookup("monitor"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	// a missing model is not fatal; classification retries just in time
	if err := a.model.EnsureReady(ctx); err != nil {
		logger.Warn("model not ready at startup", zap.Error(err))
	}

	mon, err := a.newMonitor()
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	feed := monitor.NewFeed(cfg.Monitor.FeedSize)

	srv := api.NewServer(ctx, logger.Named("api"), api.Deps{
		Admitter: a.guard,
		Store:    a.store,
		Monitor:  mon,
		Feed:     feed,
		Alerts:   a.dispatcher,
		Trainer:  a.model,
		Gatherer: a.registry,
	})

	if cfg.Monitor.AutoStart {
		mon.Start(ctx, feed.Push)
	}
	logger.Info("alert dispatcher ready",
		zap.String("mode", a.dispatcher.Mode()),
		zap.String("journal", a.journal.Path()),
		zap.String("model_artifact", a.artifacts.Path()))

	err = srv.Run(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
	st := mon.Stop()
	logger.Info("monitor final status",
		zap.Int64("cursor", st.Cursor),
		zap.Int64("scanned", st.Scanned),
		zap.Int64("flagged", st.Flagged))
	return err
}
