package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAllowPermitsUpToLimitThenDenies(t *testing.T) {
	l := New(setupTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "mbx-1", 3)
		require.NoError(t, err)
		assert.True(t, ok, "send %d should be allowed", i)
	}

	ok, err := l.Allow(ctx, "mbx-1", 3)
	require.NoError(t, err)
	assert.False(t, ok)

	usage, err := l.Usage(ctx, "mbx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage)
}

func TestAllowReturnsFalseWhenLimitIsZeroOrNegative(t *testing.T) {
	l := New(setupTestRedis(t))
	ctx := context.Background()

	ok, err := l.Allow(ctx, "mbx-paused", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "mbx-paused", -1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowTracksMailboxesIndependently(t *testing.T) {
	l := New(setupTestRedis(t))
	ctx := context.Background()

	ok, err := l.Allow(ctx, "mbx-a", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "mbx-b", 1)
	require.NoError(t, err)
	assert.True(t, ok, "a separate mailbox's bucket must not be shared with mbx-a")
}

func TestUsageIsZeroForUnseenMailbox(t *testing.T) {
	l := New(setupTestRedis(t))
	n, err := l.Usage(context.Background(), "never-sent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
