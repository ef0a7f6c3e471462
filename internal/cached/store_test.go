package cached

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return NewStore(StoreConfig{
		MaxValueBytes:  1024,
		MaxCacheBytes:  1000,
		GCTargetRatio:  0.60,
		DefaultTTL:     time.Hour,
		LockDefaultTTL: time.Minute,
	})
}

func TestGetSetRoundTrip(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Set("k1", []byte("hello"), 0))

	v, ok := s.Get("k1", 0)
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore()
	_, ok := s.Get("nope", 0)
	assert.False(t, ok)
}

func TestSetRejectsOversizedValue(t *testing.T) {
	s := newTestStore()
	big := make([]byte, 2000)
	err := s.Set("k", big, 0)
	assert.ErrorIs(t, err, ErrValueTooLarge)
}

func TestGetSlidesExpiryOnHit(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Set("k", []byte("v"), 10*time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	// Hit refreshes TTL to a full hour (default), so it should survive well
	// past the original 10ms window.
	_, ok := s.Get("k", time.Hour)
	require.True(t, ok)
	time.Sleep(15 * time.Millisecond)
	_, ok = s.Get("k", time.Hour)
	assert.True(t, ok)
}

func TestExpiredEntryIsSwept(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Set("k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok := s.Get("k", 0)
	assert.False(t, ok)
	assert.EqualValues(t, 1, s.Stats().Expired)
}

func TestEvictionOrdersByNegSizeExpireLastAccess(t *testing.T) {
	s := newTestStore()
	// Two small long-lived items, one large item. Once over budget, the
	// large item should go first even though it's newest.
	require.NoError(t, s.Set("small1", make([]byte, 100), time.Hour))
	require.NoError(t, s.Set("small2", make([]byte, 100), time.Hour))
	require.NoError(t, s.Set("large", make([]byte, 900), time.Hour))

	// total = 1100 > 1000 budget, triggers eviction to target 600.
	_, largeOK := s.Get("large", 0)
	_, small1OK := s.Get("small1", 0)
	_, small2OK := s.Get("small2", 0)

	assert.False(t, largeOK, "largest entry should be evicted first")
	assert.True(t, small1OK)
	assert.True(t, small2OK)
	assert.EqualValues(t, 1, s.Stats().Evicted)
}

func TestMGetAndDel(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Set("a", []byte("1"), 0))
	require.NoError(t, s.Set("b", []byte("2"), 0))

	vals := s.MGet([]string{"a", "b", "missing"}, 0)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, vals)

	n := s.Del([]string{"a", "missing"})
	assert.Equal(t, 1, n)
	_, ok := s.Get("a", 0)
	assert.False(t, ok)
}

func TestSetMany(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.SetMany([]KV{{Key: "x", Value: []byte("1")}, {Key: "y", Value: []byte("2")}}, 0))

	v, ok := s.Get("x", 0)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
}

func TestLockTryAcquireThenConcurrentDenied(t *testing.T) {
	s := newTestStore()
	acquired, token, heldBy := s.LockTry("lock1", "owner-a", 0)
	assert.True(t, acquired)
	assert.NotEmpty(t, token)
	assert.Empty(t, heldBy)

	acquired2, _, heldBy2 := s.LockTry("lock1", "owner-b", 0)
	assert.False(t, acquired2)
	assert.Equal(t, "owner-a", heldBy2)
}

func TestLockReleaseWrongTokenFails(t *testing.T) {
	s := newTestStore()
	_, token, _ := s.LockTry("lock1", "owner-a", 0)

	assert.False(t, s.LockRelease("lock1", token+"x"))
	assert.True(t, s.LockRelease("lock1", token))

	// Released lock should now be free.
	acquired, _, _ := s.LockTry("lock1", "owner-b", 0)
	assert.True(t, acquired)
}

func TestLockRenewExtendsTTL(t *testing.T) {
	s := newTestStore()
	_, token, _ := s.LockTry("lock1", "owner-a", 5*time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	assert.True(t, s.LockRenew("lock1", token, time.Hour))

	held, owner, _ := s.LockStatus("lock1")
	assert.True(t, held)
	assert.Equal(t, "owner-a", owner)
}

func TestLockExpiresAndBecomesAcquirable(t *testing.T) {
	s := newTestStore()
	s.LockTry("lock1", "owner-a", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	acquired, _, _ := s.LockTry("lock1", "owner-b", 0)
	assert.True(t, acquired)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap")

	s1 := newTestStore()
	require.NoError(t, s1.Set("k", []byte("persisted"), time.Hour))
	require.NoError(t, s1.SaveSnapshot(path))

	s2 := newTestStore()
	require.NoError(t, s2.LoadSnapshot(path))

	v, ok := s2.Get("k", 0)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(v))

	// Snapshot file must be deleted unconditionally after restore.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSnapshotDropsExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap")

	s1 := newTestStore()
	require.NoError(t, s1.Set("stale", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s1.SaveSnapshot(path))

	s2 := newTestStore()
	require.NoError(t, s2.LoadSnapshot(path))

	_, ok := s2.Get("stale", 0)
	assert.False(t, ok)
}

func TestLoadSnapshotMissingFileIsNoop(t *testing.T) {
	s := newTestStore()
	err := s.LoadSnapshot(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.NoError(t, err)
}
