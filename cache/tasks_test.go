//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"go-tasksync/model"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, c)

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTaskCache(t *testing.T) {
	ctx := context.Background()
	c := NewTaskCache(startRedis(t), time.Minute)

	list, err := c.GetList(ctx)
	require.NoError(t, err)
	assert.Nil(t, list, "miss")

	now := model.Timestamp(time.Now())
	want := []model.Task{{ID: "a", Title: "first", CreatedAt: now, UpdatedAt: now, SyncStatus: model.SyncPending}}
	require.NoError(t, c.SetList(ctx, want))

	list, err = c.GetList(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "first", list[0].Title)
	assert.True(t, list[0].UpdatedAt.Equal(now))

	require.NoError(t, c.SetList(ctx, []model.Task{}))
	list, err = c.GetList(ctx)
	require.NoError(t, err)
	assert.NotNil(t, list, "an empty list is still a hit")
	assert.Empty(t, list)

	require.NoError(t, c.Invalidate(ctx))
	list, err = c.GetList(ctx)
	require.NoError(t, err)
	assert.Nil(t, list)
}
