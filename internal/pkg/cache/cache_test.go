package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkindness/givecore/internal/pkg/env"
)

const isolatedLeaseTestRedisDB = 13

// setupLeaseTest points the package client at an isolated test database and
// skips when no Redis is reachable.
func setupLeaseTest(t *testing.T) {
	t.Helper()

	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	c := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port),
		DB:   isolatedLeaseTestRedisDB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		t.Skipf("redis not reachable at %s:%s: %v", host, port, err)
	}
	require.NoError(t, c.FlushDB(ctx).Err())

	previous := client
	client = c
	t.Cleanup(func() {
		c.FlushDB(ctx)
		c.Close()
		client = previous
	})
}

func TestLeaseExclusive(t *testing.T) {
	setupLeaseTest(t)

	ok, err := AcquireLease("lease:test", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AcquireLease("lease:test", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ReleaseLease("lease:test", "holder-a"))

	ok, err = AcquireLease("lease:test", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLeaseKeepsForeignHolder(t *testing.T) {
	setupLeaseTest(t)

	ok, err := AcquireLease("lease:test", "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The lease expired and another instance took it over; releasing with
	// the stale holder must leave the new owner's lease untouched.
	require.NoError(t, client.Set(ctx, "lease:test", "holder-b", time.Minute).Err())
	require.NoError(t, ReleaseLease("lease:test", "holder-a"))

	current, err := client.Get(ctx, "lease:test").Result()
	require.NoError(t, err)
	assert.Equal(t, "holder-b", current)
}

func TestReleaseLeaseMissingKey(t *testing.T) {
	setupLeaseTest(t)

	assert.NoError(t, ReleaseLease("lease:absent", "holder-a"))
}
