//go:build integration

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/whookdev/busbridge/internal/config"
)

func startRedis(ctx context.Context, t *testing.T) *redis.Client {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIntegration_RegistryHeartbeat(t *testing.T) {
	ctx := context.Background()
	rdb := startRedis(ctx, t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{ServerID: "bridge-test", BusDriver: config.DriverNATS, HeartbeatInterval: 50 * time.Millisecond}
	lc, err := New(cfg, rdb, func() int64 { return 3 }, logger)
	require.NoError(t, err)

	require.NoError(t, lc.Register(ctx))

	instances, err := Instances(ctx, rdb)
	require.NoError(t, err)
	require.Contains(t, instances, "bridge-test")
	assert.Equal(t, config.DriverNATS, instances["bridge-test"].Driver)
	assert.Equal(t, int64(3), instances["bridge-test"].Inflight)
	first := instances["bridge-test"].LastHeartbeat

	runCtx, cancel := context.WithCancel(ctx)
	done := lc.MaintainRegistration(runCtx)

	require.Eventually(t, func() bool {
		instances, err := Instances(ctx, rdb)
		return err == nil && instances["bridge-test"].LastHeartbeat.After(first)
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	instances, err = Instances(ctx, rdb)
	require.NoError(t, err)
	assert.NotContains(t, instances, "bridge-test")
}
