// Package grpc implements the gRPC transport for speechbridge.
//
// This transport serves the standard grpc.health.v1 service, with one entry
// per engine, so orchestrators and gRPC-native hosts can gate on whether
// recognition and synthesis are usable. Reflection is optional.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nadzzz/speechbridge/internal/bridge"
	"github.com/nadzzz/speechbridge/internal/config"
	"github.com/nadzzz/speechbridge/internal/stt"
)

// Health service names.
const (
	ServiceSTT = "speechbridge.stt"
	ServiceTTS = "speechbridge.tts"
)

const defaultRefresh = time.Second

// Transport implements transport.Transport over gRPC.
type Transport struct {
	port       int
	reflection bool
	refresh    time.Duration
	health     *health.Server
	logger     *slog.Logger

	mu     sync.Mutex
	server *grpc.Server
}

// New creates a new gRPC transport.
func New(cfg config.GRPCConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		port:       cfg.Port,
		reflection: cfg.Reflection,
		refresh:    defaultRefresh,
		health:     health.NewServer(),
		logger:     logger.With("transport", "grpc"),
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "grpc" }

// Listen starts the gRPC server on the configured port.
func (t *Transport) Listen(ctx context.Context, b *bridge.Bridge) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	t.logger.Info("grpc transport listening", "port", t.port)
	return t.Serve(ctx, lis, b)
}

// Serve serves on lis until ctx is cancelled or Close is called.
func (t *Transport) Serve(ctx context.Context, lis net.Listener, b *bridge.Bridge) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, t.health)
	if t.reflection {
		reflection.Register(srv)
	}
	t.mu.Lock()
	t.server = srv
	t.mu.Unlock()

	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	go t.watch(watchCtx, b)

	go func() {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			t.logger.Info("grpc transport shutting down")
			_ = t.Close()
		}
	}()

	if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// watch mirrors engine state into the health service.
func (t *Transport) watch(ctx context.Context, b *bridge.Bridge) {
	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	t.update(b)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.update(b)
		}
	}
}

func (t *Transport) update(b *bridge.Bridge) {
	t.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if s, err := b.STT(); err == nil {
		t.health.SetServingStatus(ServiceSTT, servingIf(s.IsAvailable() && (s.State() == stt.StateIdle || s.State() == stt.StateListening)))
	}
	if e, err := b.TTS(); err == nil {
		t.health.SetServingStatus(ServiceTTS, servingIf(e.Ready()))
	}
}

func servingIf(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Close marks every service NOT_SERVING and gracefully stops the server.
func (t *Transport) Close() error {
	t.health.Shutdown()
	t.mu.Lock()
	srv := t.server
	t.mu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}
	return nil
}
