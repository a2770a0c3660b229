package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nadzzz/speechbridge/internal/bridge"
	"github.com/nadzzz/speechbridge/internal/config"
	"github.com/nadzzz/speechbridge/internal/platform/mock"
	"github.com/nadzzz/speechbridge/internal/tts"
)

func serve(t *testing.T, b *bridge.Bridge) (*Transport, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	tr := New(config.GRPCConfig{Reflection: true}, nil)
	tr.refresh = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx, lis, b) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return tr, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func eventuallyStatus(t *testing.T, c healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := check(t, c, service)
		return err == nil && got == want
	}, 2*time.Second, 10*time.Millisecond, service)
}

func TestHealth_TracksEngineState(t *testing.T) {
	b := bridge.New(bridge.Options{
		STTFactory: mock.NewSTTFactory(),
		TTSFactory: mock.NewTTSFactory(),
		TTS:        tts.Config{CacheDir: t.TempDir()},
	}, nil)
	t.Cleanup(b.Close)
	_, client := serve(t, b)

	eventuallyStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)
	eventuallyStatus(t, client, ServiceSTT, healthpb.HealthCheckResponse_NOT_SERVING)
	eventuallyStatus(t, client, ServiceTTS, healthpb.HealthCheckResponse_NOT_SERVING)

	require.NoError(t, b.InitSTT())
	require.NoError(t, b.InitTTS())

	eventuallyStatus(t, client, ServiceSTT, healthpb.HealthCheckResponse_SERVING)
	eventuallyStatus(t, client, ServiceTTS, healthpb.HealthCheckResponse_SERVING)

	engine, err := b.TTS()
	require.NoError(t, err)
	engine.Destroy()
	eventuallyStatus(t, client, ServiceTTS, healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestHealth_DisabledEngineIsUnknown(t *testing.T) {
	b := bridge.New(bridge.Options{TTSFactory: mock.NewTTSFactory(), TTS: tts.Config{CacheDir: t.TempDir()}}, nil)
	t.Cleanup(b.Close)
	_, client := serve(t, b)

	eventuallyStatus(t, client, ServiceTTS, healthpb.HealthCheckResponse_NOT_SERVING)
	_, err := check(t, client, ServiceSTT)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestClose_StopsServing(t *testing.T) {
	b := bridge.New(bridge.Options{}, nil)
	t.Cleanup(b.Close)
	tr, client := serve(t, b)
	eventuallyStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)

	require.NoError(t, tr.Close())
	_, err := check(t, client, "")
	assert.Error(t, err)
}

func TestName(t *testing.T) {
	assert.Equal(t, "grpc", New(config.GRPCConfig{}, nil).Name())
}
