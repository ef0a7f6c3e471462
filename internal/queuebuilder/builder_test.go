package queuebuilder

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
	plz      []PLZRate
	branch   []BranchRate
	kt       string
	cbRows   map[Key]CBRow
	enrichCalls int
}

func (f *fakeSource) LoadPLZRates(ctx context.Context, taskID int64) ([]PLZRate, error) {
	return f.plz, nil
}
func (f *fakeSource) LoadBranchRates(ctx context.Context, taskID int64) ([]BranchRate, error) {
	return f.branch, nil
}
func (f *fakeSource) KTHash(ctx context.Context, taskID int64) (string, error) {
	return f.kt, nil
}
func (f *fakeSource) EnrichCBCrawler(ctx context.Context, keys []Key) (map[Key]CBRow, error) {
	f.enrichCalls++
	out := make(map[Key]CBRow, len(keys))
	for _, k := range keys {
		if row, ok := f.cbRows[k]; ok {
			out[k] = row
		}
	}
	return out, nil
}

func startTestCache(t *testing.T) *cacheclient.Client {
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

func TestBuildWindowValuesSortsByRateThenCBID(t *testing.T) {
	src := &fakeSource{
		plz:    []PLZRate{{Rate: 1, PLZ: "10115"}, {Rate: 2, PLZ: "10117"}},
		branch: []BranchRate{{Rate: 3, BranchID: 7}, {Rate: 5, BranchID: 11}},
		cbRows: map[Key]CBRow{
			{PLZ: "10115", BranchID: 7}:  {ID: 100, Collected: false},
			{PLZ: "10115", BranchID: 11}: {ID: 101, Collected: true},
			{PLZ: "10117", BranchID: 7}:  {ID: 102, Collected: false},
		},
	}
	b := New(src, nil)

	values, err := b.BuildWindowValues(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, int64(3), values[0].Rate)
	assert.Equal(t, int64(5), values[1].Rate)
	assert.Equal(t, int64(6), values[2].Rate)
}

func TestFirstUncollectedIdx(t *testing.T) {
	assert.Equal(t, -1, firstUncollectedIdx(nil))
	assert.Equal(t, 0, firstUncollectedIdx([]Val{{Collected: false}}))
	assert.Equal(t, 1, firstUncollectedIdx([]Val{{Collected: true}, {Collected: false}}))
}

func TestGetExpandIsMemoizedByKTHash(t *testing.T) {
	c := startTestCache(t)
	src := &fakeSource{
		plz:    []PLZRate{{Rate: 1, PLZ: "p1"}},
		branch: []BranchRate{{Rate: 1, BranchID: 1}},
		kt:     "v1",
		cbRows: map[Key]CBRow{{PLZ: "p1", BranchID: 1}: {ID: 1, Collected: false}},
	}
	b := New(src, c)

	v1, err := b.GetExpand(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, v1, 1)
	callsAfterFirst := src.enrichCalls

	v2, err := b.GetExpand(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, callsAfterFirst, src.enrichCalls, "second call should hit the memo cache")

	// Bumping the fingerprint must invalidate the memo.
	src.kt = "v2"
	_, err = b.GetExpand(context.Background(), 42)
	require.NoError(t, err)
	assert.Greater(t, src.enrichCalls, callsAfterFirst, "a changed kt_hash must force recompute")
}

func TestGetCrawlerReturnsOnlyUncollectedUpToNeed(t *testing.T) {
	c := startTestCache(t)
	src := &fakeSource{
		plz:    []PLZRate{{Rate: 1, PLZ: "p1"}, {Rate: 2, PLZ: "p2"}},
		branch: []BranchRate{{Rate: 1, BranchID: 1}},
		kt:     "v1",
		cbRows: map[Key]CBRow{
			{PLZ: "p1", BranchID: 1}: {ID: 1, Collected: false},
			{PLZ: "p2", BranchID: 1}: {ID: 2, Collected: false},
		},
	}
	b := New(src, c)

	out, err := b.GetCrawler(context.Background(), 7)
	require.NoError(t, err)
	for _, v := range out {
		assert.False(t, v.Collected)
	}
	assert.LessOrEqual(t, len(out), 2*CBDiff)
}
