package crawl

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/leadgen-engine/internal/cached"
	"github.com/ignite/leadgen-engine/internal/cacheclient"
	"github.com/ignite/leadgen-engine/internal/queuebuilder"
)

type fakeRepo struct {
	mu         sync.Mutex
	candidates []TaskCandidate
	meta       map[int64]CellMeta
	collected  map[int64]bool
	persisted  map[int64]bool
}

func (r *fakeRepo) ActiveTasks(ctx context.Context) ([]TaskCandidate, error) {
	return r.candidates, nil
}

func (r *fakeRepo) CellMeta(ctx context.Context, cbIDs []int64) (map[int64]CellMeta, error) {
	out := make(map[int64]CellMeta, len(cbIDs))
	for _, id := range cbIDs {
		if m, ok := r.meta[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (r *fakeRepo) RefreshCollected(ctx context.Context, cbIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(cbIDs))
	for _, id := range cbIDs {
		if v, ok := r.collected[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (r *fakeRepo) PersistCollected(ctx context.Context, collected map[int64]bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.persisted == nil {
		r.persisted = map[int64]bool{}
	}
	for k, v := range collected {
		r.persisted[k] = v
	}
	return nil
}

type fakeCells struct {
	byTask map[int64][]queuebuilder.Val
}

func (f *fakeCells) GetCrawler(ctx context.Context, taskID int64) ([]queuebuilder.Val, error) {
	return f.byTask[taskID], nil
}

type fakeSpider struct {
	mu      sync.Mutex
	crawled []Item
	err     error
}

func (f *fakeSpider) Crawl(ctx context.Context, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawled = append(f.crawled, item)
	return f.err
}

func newTestCache(t *testing.T) *cacheclient.Client {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "cache.sock")
	d := cached.New(cached.Config{
		SocketPath: sock, SnapshotPath: filepath.Join(dir, "snap"),
		MaxValueBytes: 1 << 20, MaxCacheBytes: 1 << 24, GCTargetRatio: 0.6,
		DefaultTTL: time.Hour, LockDefaultTTL: time.Minute,
		WatchdogStall: time.Hour, AliveLogPeriod: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)

	c := cacheclient.New(cacheclient.Config{SocketPath: sock, PoolSize: 4})
	require.Eventually(t, func() bool { return c.Set("warmup", []byte("x"), time.Second) }, time.Second, 10*time.Millisecond)
	c.Del([]string{"warmup"})
	return c
}

func TestRebuildInterleavesRoundRobinAcrossTasks(t *testing.T) {
	repo := &fakeRepo{
		candidates: []TaskCandidate{{TaskID: 1}, {TaskID: 2}},
		meta: map[int64]CellMeta{
			10: {PLZ: "10115", BranchSlug: "a"},
			11: {PLZ: "10117", BranchSlug: "a"},
			20: {PLZ: "20095", BranchSlug: "b"},
		},
	}
	cells := &fakeCells{byTask: map[int64][]queuebuilder.Val{
		1: {{CBID: 10}, {CBID: 11}},
		2: {{CBID: 20}},
	}}
	cache := newTestCache(t)
	spider := &fakeSpider{}
	c := New(repo, cells, spider, cache)

	n, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sq := c.loadQueue()
	require.Len(t, sq.Items, 3)
	assert.Equal(t, int64(10), sq.Items[0].CBID)
	assert.Equal(t, int64(20), sq.Items[1].CBID)
	assert.Equal(t, int64(11), sq.Items[2].CBID)
	assert.Equal(t, "10115", sq.Items[0].PLZ)
	assert.Equal(t, int64(1), sq.RMap[10])
	assert.Equal(t, int64(2), sq.RMap[20])
}

func TestRebuildRestrictsToUnderdoneTasksWhenAnyArePresent(t *testing.T) {
	repo := &fakeRepo{
		candidates: []TaskCandidate{{TaskID: 1, Underdone: true}, {TaskID: 2}},
		meta: map[int64]CellMeta{
			10: {PLZ: "10115"},
			20: {PLZ: "20095"},
		},
	}
	cells := &fakeCells{byTask: map[int64][]queuebuilder.Val{
		1: {{CBID: 10}},
		2: {{CBID: 20}},
	}}
	c := New(repo, cells, &fakeSpider{}, newTestCache(t))

	n, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sq := c.loadQueue()
	assert.Equal(t, int64(10), sq.Items[0].CBID)
}

func TestRebuildSkipsAlreadyCollectedAndPersistsRefresh(t *testing.T) {
	repo := &fakeRepo{
		candidates: []TaskCandidate{{TaskID: 1}},
		meta:       map[int64]CellMeta{10: {PLZ: "10115"}, 11: {PLZ: "10117"}},
		collected:  map[int64]bool{10: true},
	}
	cells := &fakeCells{byTask: map[int64][]queuebuilder.Val{
		1: {{CBID: 10}, {CBID: 11}},
	}}
	c := New(repo, cells, &fakeSpider{}, newTestCache(t))

	n, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sq := c.loadQueue()
	assert.Equal(t, int64(11), sq.Items[0].CBID)
	assert.True(t, repo.persisted[10])
}

func TestRebuildCapsAtQueueBuildLimit(t *testing.T) {
	meta := make(map[int64]CellMeta, QueueBuildLimit+10)
	vals := make([]queuebuilder.Val, 0, QueueBuildLimit+10)
	for i := int64(1); i <= QueueBuildLimit+10; i++ {
		meta[i] = CellMeta{PLZ: "10115"}
		vals = append(vals, queuebuilder.Val{CBID: i})
	}
	repo := &fakeRepo{candidates: []TaskCandidate{{TaskID: 1}}, meta: meta}
	cells := &fakeCells{byTask: map[int64][]queuebuilder.Val{1: vals}}
	c := New(repo, cells, &fakeSpider{}, newTestCache(t))

	n, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, QueueBuildLimit, n)
}

func TestDispatchPopsHeadReleasesLockBeforeCrawlingAndTracksReverseMap(t *testing.T) {
	repo := &fakeRepo{
		candidates: []TaskCandidate{{TaskID: 7}},
		meta:       map[int64]CellMeta{10: {PLZ: "10115", BranchSlug: "a"}},
	}
	cells := &fakeCells{byTask: map[int64][]queuebuilder.Val{7: {{CBID: 10}}}}
	spider := &fakeSpider{}
	cache := newTestCache(t)
	c := New(repo, cells, spider, cache)

	_, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	taskID, ok := c.TaskForCB(10)
	require.True(t, ok)
	assert.Equal(t, int64(7), taskID)

	ran, err := c.Dispatch(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	require.Len(t, spider.crawled, 1)
	assert.Equal(t, int64(10), spider.crawled[0].CBID)

	held, _ := cache.LockStatus(dispatchLockKey)
	assert.False(t, held)

	sq := c.loadQueue()
	assert.Empty(t, sq.Items)
}

func TestDispatchReturnsFalseWhenQueueEmpty(t *testing.T) {
	repo := &fakeRepo{}
	cells := &fakeCells{byTask: map[int64][]queuebuilder.Val{}}
	c := New(repo, cells, &fakeSpider{}, newTestCache(t))

	_, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	ran, err := c.Dispatch(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestDispatchReturnsFalseWhenLockAlreadyHeld(t *testing.T) {
	repo := &fakeRepo{
		candidates: []TaskCandidate{{TaskID: 1}},
		meta:       map[int64]CellMeta{10: {PLZ: "10115"}},
	}
	cells := &fakeCells{byTask: map[int64][]queuebuilder.Val{1: {{CBID: 10}}}}
	cache := newTestCache(t)
	c := New(repo, cells, &fakeSpider{}, cache)
	_, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	acquired, _, _ := cache.LockTry(dispatchLockKey, "someone-else", time.Minute)
	require.True(t, acquired)

	ran, err := c.Dispatch(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}
