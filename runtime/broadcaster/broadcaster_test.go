package broadcaster_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/unpod/corertc/runtime/broadcaster"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return testRedisClient
}

func TestPublishSubscribe_TwoSubscribersBothReceive(t *testing.T) {
	rdb := getRedis(t)
	b := broadcaster.New(rdb)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subA, err := b.Subscribe(ctx, "thr_1")
	require.NoError(t, err)
	defer subA.Close()

	subB, err := b.Subscribe(ctx, "thr_1")
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, b.Publish(ctx, "thr_1", broadcaster.Event{Payload: []byte(`{"text":"hello"}`)}))

	for _, sub := range []*broadcaster.Subscription{subA, subB} {
		select {
		case evt := <-sub.Events:
			require.JSONEq(t, `{"text":"hello"}`, string(evt.Payload))
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSubscribe_CloseUnblocksEventsChannel(t *testing.T) {
	rdb := getRedis(t)
	b := broadcaster.New(rdb)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "thr_2")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close after Close")
	}
}

func TestPublish_VisibilityFieldsRoundTrip(t *testing.T) {
	rdb := getRedis(t)
	b := broadcaster.New(rdb)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := b.Subscribe(ctx, "thr_3")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "thr_3", broadcaster.Event{
		Payload:     []byte(`{"text":"hi"}`),
		FromUser:    "user-1",
		IncludeSelf: true,
	}))

	select {
	case evt := <-sub.Events:
		require.Equal(t, "user-1", evt.FromUser)
		require.True(t, evt.IncludeSelf)
		require.Empty(t, evt.SelfOnly)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
