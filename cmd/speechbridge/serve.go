package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nadzzz/speechbridge/internal/bridge"
	"github.com/nadzzz/speechbridge/internal/config"
	"github.com/nadzzz/speechbridge/internal/health"
	"github.com/nadzzz/speechbridge/internal/metrics"
	"github.com/nadzzz/speechbridge/internal/transport"
	grpctransport "github.com/nadzzz/speechbridge/internal/transport/grpc"
	httptransport "github.com/nadzzz/speechbridge/internal/transport/http"
	mqtttransport "github.com/nadzzz/speechbridge/internal/transport/mqtt"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the speech daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
	flags := cmd.Flags()
	flags.Int("http-port", 0, "HTTP/WebSocket transport port")
	flags.Int("grpc-port", 0, "gRPC health transport port")
	flags.Int("health-port", 0, "health and metrics port")
	bindFlag(a.v, "transports.http.port", flags.Lookup("http-port"))
	bindFlag(a.v, "transports.grpc.port", flags.Lookup("grpc-port"))
	bindFlag(a.v, "server.health_port", flags.Lookup("health-port"))
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("speechbridge starting", "version", version)

	e, err := buildEngines(cfg, true, logger)
	if err != nil {
		return err
	}
	b := e.bridge
	defer b.Close()

	exporter := metrics.NewExporter()
	b.SetObservers(exporter, exporter)
	b.Events().Attach("metrics", exporter)
	exporter.WatchPendingWaits(b.PendingWaits)

	if err := b.InitSTT(); err != nil && !errors.Is(err, bridge.ErrSTTDisabled) {
		return err
	}
	if err := b.InitTTS(); err != nil && !errors.Is(err, bridge.ErrTTSDisabled) {
		return err
	}

	// Initialize enabled transports.
	var transports []transport.Transport
	if cfg.Transports.GRPC.Enabled {
		transports = append(transports, grpctransport.New(cfg.Transports.GRPC, logger))
	}
	if cfg.Transports.HTTP.Enabled {
		var feed httptransport.AudioFeed
		if e.whisper != nil {
			feed = e.whisper
		}
		transports = append(transports, httptransport.New(cfg.Transports.HTTP, feed, logger))
	}
	if cfg.Transports.MQTT.Enabled {
		transports = append(transports, mqtttransport.New(cfg.Transports.MQTT, logger))
	}
	if len(transports) == 0 {
		return fmt.Errorf("no transports enabled: enable at least one in config")
	}
	publishers := transport.AttachPublishers(b, transports)

	healthServer := health.New(cfg.Server.HealthPort, logger)
	if engine, err := b.TTS(); err == nil {
		healthServer.AddCheck("tts", engine.Ready)
	}
	if cfg.Server.Metrics {
		healthServer.SetMetrics(exporter.Handler())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return healthServer.ListenAndServe(gctx) })
	for _, t := range transports {
		g.Go(func() error {
			logger.Info("starting transport", "name", t.Name())
			if err := t.Listen(gctx, b); err != nil {
				return fmt.Errorf("%s transport: %w", t.Name(), err)
			}
			return nil
		})
	}

	// Mark as ready once all transports are started.
	healthServer.SetReady(true)
	logger.Info("speechbridge ready",
		"transports", len(transports),
		"publishers", publishers,
		"health_port", cfg.Server.HealthPort)

	<-gctx.Done()
	logger.Info("shutdown signal received, draining...")
	healthServer.SetReady(false)

	for _, t := range transports {
		b.Events().Detach(t.Name())
		if err := t.Close(); err != nil {
			logger.Error("transport close error", "name", t.Name(), "error", err)
		}
	}

	err = g.Wait()
	logger.Info("speechbridge stopped")
	return err
}
