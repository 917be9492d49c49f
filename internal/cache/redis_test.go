package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"jetx/internal/config"
	"jetx/internal/game"
)

var redisAddr string

func mustStartRedisContainer() (func(context.Context, ...testcontainers.TerminateOption) error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(context.Background())
	if err != nil {
		return container.Terminate, err
	}
	port, err := container.MappedPort(context.Background(), "6379/tcp")
	if err != nil {
		return container.Terminate, err
	}
	redisAddr = fmt.Sprintf("%s:%s", host, port.Port())
	return container.Terminate, nil
}

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	teardown, err := mustStartRedisContainer()
	if err != nil {
		os.Exit(0)
	}

	code := m.Run()

	if teardown != nil {
		teardown(context.Background())
	}
	os.Exit(code)
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func newTestService(t *testing.T) Service {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	s := NewWithClient(client, time.Minute, log.NewWithOptions(io.Discard, log.Options{}))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	cfg.RedisURL = redisAddr
	s, err := New(cfg, log.NewWithOptions(io.Discard, log.Options{}))
	require.NoError(t, err)
	defer s.Close()

	stats := s.Health()
	assert.Equal(t, "up", stats["status"])
	assert.Equal(t, "Redis is healthy", stats["message"])
}

func TestNew_Unreachable(t *testing.T) {
	cfg := config.Default()
	cfg.RedisURL = "127.0.0.1:1"
	_, err := New(cfg, log.NewWithOptions(io.Discard, log.Options{}))
	assert.Error(t, err)
}

func TestPlayerRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	got, err := s.GetPlayer(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	p := game.NewPlayer("s1", "user 1", "op", "Alice", "tok", "jetx", "10.0.0.1", decimal.RequireFromString("250.75"))
	require.NoError(t, s.SetPlayer(ctx, p))

	got, err = s.GetPlayer(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Identity(), got.Identity())
	assert.Equal(t, p.Image, got.Image)
	assert.True(t, p.Balance.Equal(got.Balance))

	require.NoError(t, s.DeletePlayer(ctx, "s1"))
	got, err = s.GetPlayer(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBindSession(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	prev, err := s.BindSession(ctx, "op:alice", "s1")
	require.NoError(t, err)
	assert.Empty(t, prev)

	prev, err = s.BindSession(ctx, "op:alice", "s1")
	require.NoError(t, err)
	assert.Empty(t, prev, "rebinding the same session is not a takeover")

	prev, err = s.BindSession(ctx, "op:alice", "s2")
	require.NoError(t, err)
	assert.Equal(t, "s1", prev)

	// A stale release must not unbind the newer session.
	require.NoError(t, s.ReleaseSession(ctx, "op:alice", "s1"))
	prev, err = s.BindSession(ctx, "op:alice", "s3")
	require.NoError(t, err)
	assert.Equal(t, "s2", prev)

	require.NoError(t, s.ReleaseSession(ctx, "op:alice", "s3"))
	prev, err = s.BindSession(ctx, "op:alice", "s4")
	require.NoError(t, err)
	assert.Empty(t, prev)
}

func TestHistory(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		entry := game.HistoryEntry{RoundID: int64(i), MaxMult: float64(i) + 0.5, ServerSeed: fmt.Sprint("seed", i)}
		require.NoError(t, s.PushHistory(ctx, entry, 3))
	}

	got, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{5, 4, 3}, []int64{got[0].RoundID, got[1].RoundID, got[2].RoundID})
	assert.Equal(t, 5.5, got[0].MaxMult)

	got, err = s.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].RoundID)
}

func TestService_Interface(t *testing.T) {
	var _ Service = (*service)(nil)
}
