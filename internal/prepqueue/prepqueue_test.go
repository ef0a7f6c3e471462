package prepqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/leadgen-engine/internal/cached"
	"github.com/ignite/leadgen-engine/internal/cacheclient"
)

type fakeSource struct {
	queue      []int64
	alive      map[int64]struct {
		taskID, hash int64
		ok           bool
	}
	buildCalls int
}

func (f *fakeSource) BuildTasksQueue(ctx context.Context, kind string, limit int) ([]int64, error) {
	f.buildCalls++
	if len(f.queue) > limit {
		return f.queue[:limit], nil
	}
	return f.queue, nil
}

func (f *fakeSource) IsAlive(ctx context.Context, ratingID int64, kind string) (int64, int64, bool, error) {
	v, ok := f.alive[ratingID]
	if !ok || !v.ok {
		return 0, 0, false, nil
	}
	return v.taskID, v.hash, true, nil
}

func startTestPrepQueue(t *testing.T) *cacheclient.Client {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "cache.sock")

	d := cached.New(cached.Config{
		SocketPath:     sock,
		SnapshotPath:   filepath.Join(dir, "cache.snapshot"),
		MaxValueBytes:  1 << 16,
		MaxCacheBytes:  1 << 20,
		GCTargetRatio:  0.60,
		DefaultTTL:     time.Hour,
		LockDefaultTTL: time.Minute,
		WatchdogStall:  time.Hour,
		AliveLogPeriod: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)

	c := cacheclient.New(cacheclient.Config{SocketPath: sock, PoolSize: 4})
	require.Eventually(t, func() bool {
		return c.Set("warmup", []byte("x"), time.Second)
	}, time.Second, 10*time.Millisecond)
	c.Del([]string{"warmup"})
	return c
}

func aliveMap(pairs ...struct {
	id, taskID, hash int64
}) map[int64]struct {
	taskID, hash int64
	ok           bool
} {
	m := map[int64]struct {
		taskID, hash int64
		ok           bool
	}{}
	for _, p := range pairs {
		m[p.id] = struct {
			taskID, hash int64
			ok           bool
		}{p.taskID, p.hash, true}
	}
	return m
}

func TestPopBatchNoopWhenQueueEmpty(t *testing.T) {
	c := startTestPrepQueue(t)
	q := New(c, "geo", Config{QueueTTL: time.Minute, LockTTL: time.Second, EntityLockTTL: time.Minute})
	src := &fakeSource{}

	res, err := q.PopBatch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, ModeNoop, res.Mode)
}

func TestPopBatchNeedFillWhenEntityQueueEmpty(t *testing.T) {
	c := startTestPrepQueue(t)
	q := New(c, "geo", Config{QueueTTL: time.Minute, LockTTL: time.Second, EntityLockTTL: time.Minute})
	src := &fakeSource{
		queue: []int64{100},
		alive: aliveMap(struct{ id, taskID, hash int64 }{100, 7, 555}),
	}

	res, err := q.PopBatch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, ModeNeedFill, res.Mode)
	assert.Equal(t, int64(100), res.RatingID)
	assert.Equal(t, int64(7), res.TaskID)
	assert.Equal(t, int64(555), res.TargetHash)
}

func TestPopBatchDropsDeadHeadAndContinues(t *testing.T) {
	c := startTestPrepQueue(t)
	q := New(c, "geo", Config{QueueTTL: time.Minute, LockTTL: time.Second, EntityLockTTL: time.Minute, BatchSize: 5, DoProbability: 1})
	src := &fakeSource{
		queue: []int64{1, 2},
		alive: aliveMap(struct{ id, taskID, hash int64 }{2, 9, 777}),
	}
	require.NoError(t, q.FillEntities(context.Background(), 2, []int64{11, 12, 13}))

	// id=1 is dead (not in alive map) so it's dropped within this single
	// call; id=2 has a filled entity queue so it's admitted directly
	// (DoProbability=1 guarantees the work branch, not rotate).
	res, err := q.PopBatch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, ModeWork, res.Mode)
	assert.Equal(t, int64(2), res.RatingID)
	assert.ElementsMatch(t, []int64{11, 12, 13}, res.IDs)
}

func TestPopBatchWorkTakesBatchSizeAndLeavesRest(t *testing.T) {
	c := startTestPrepQueue(t)
	q := New(c, "branches", Config{QueueTTL: time.Minute, LockTTL: time.Second, EntityLockTTL: time.Minute, BatchSize: 2, DoProbability: 1})
	src := &fakeSource{
		queue: []int64{5},
		alive: aliveMap(struct{ id, taskID, hash int64 }{5, 1, 2}),
	}
	require.NoError(t, q.FillEntities(context.Background(), 5, []int64{100, 200, 300}))

	res, err := q.PopBatch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, ModeWork, res.Mode)
	assert.Equal(t, []int64{100, 200}, res.IDs)

	res2, err := q.PopBatch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, ModeWork, res2.Mode)
	assert.Equal(t, []int64{300}, res2.IDs)
}

func TestReserveAndReleaseEntities(t *testing.T) {
	c := startTestPrepQueue(t)
	q := New(c, "contacts", Config{QueueTTL: time.Minute, LockTTL: time.Second, EntityLockTTL: time.Minute})

	reserved, tokens := q.ReserveEntities(42, []int64{1, 2, 3, 4}, 2)
	assert.Equal(t, []int64{1, 2}, reserved)
	assert.Len(t, tokens, 2)

	// A second attempt to reserve the same ids should skip them (already held).
	reserved2, tokens2 := q.ReserveEntities(42, []int64{1, 2, 3, 4}, 2)
	assert.Equal(t, []int64{3, 4}, reserved2)

	q.ReleaseEntityTokens(tokens)
	q.ReleaseEntityTokens(tokens2)

	// Now fully released, ids 1-2 should be reservable again.
	reserved3, _ := q.ReserveEntities(42, []int64{1, 2}, 2)
	assert.Equal(t, []int64{1, 2}, reserved3)
}

func TestRotateHeadMovesFrontToBack(t *testing.T) {
	c := startTestPrepQueue(t)
	q := New(c, "geo", Config{QueueTTL: time.Minute, LockTTL: time.Second, EntityLockTTL: time.Minute})
	q.cacheSetList(q.keyTasks(), []int64{1, 2, 3})

	require.NoError(t, q.RotateHead(context.Background()))
	assert.Equal(t, []int64{2, 3, 1}, q.cacheGetList(q.keyTasks()))
}

func TestEnsureTasksQueueBuildsOnlyOnceWhileCached(t *testing.T) {
	c := startTestPrepQueue(t)
	q := New(c, "geo", Config{QueueTTL: time.Minute, LockTTL: time.Second, EntityLockTTL: time.Minute})
	src := &fakeSource{queue: []int64{1, 2, 3}}

	ids1, err := q.ensureTasksQueue(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids1)
	assert.Equal(t, 1, src.buildCalls)

	ids2, err := q.ensureTasksQueue(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids2)
	assert.Equal(t, 1, src.buildCalls, "second call should be served from cache, not rebuilt")
}
