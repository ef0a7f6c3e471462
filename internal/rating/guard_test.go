package rating

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/leadgen-engine/internal/domain"
)

type fakeGuardTx struct{ committed, rolledBack bool }

func (t *fakeGuardTx) Commit() error   { t.committed = true; return nil }
func (t *fakeGuardTx) Rollback() error { t.rolledBack = true; return nil }

// fakeGuardRepo is an in-memory GuardRepository double. current holds the
// fingerprint crawl_tasks would recompute to right now; a touch bumps the
// row's "updated_at" by swapping in touched, simulating a row-state change
// already pending (e.g. the branches text edit the test performs before
// Sweep).
type fakeGuardRepo struct {
	tasks    []GuardTask
	current  map[int64]int64 // taskID -> fingerprint crawl_tasks recomputes to
	stored   map[int64]int64
	storedOK map[int64]bool
	ratedCnt map[int64]int
	limit    map[int64]int
	touched  map[int64]bool
}

func newFakeGuardRepo() *fakeGuardRepo {
	return &fakeGuardRepo{
		current:  map[int64]int64{},
		stored:   map[int64]int64{},
		storedOK: map[int64]bool{},
		ratedCnt: map[int64]int{},
		limit:    map[int64]int{},
		touched:  map[int64]bool{},
	}
}

func (f *fakeGuardRepo) BeginTx(ctx context.Context) (Tx, error) { return &fakeGuardTx{}, nil }

func (f *fakeGuardRepo) ActiveGuardTasks(ctx context.Context, tx Tx, limit int) ([]GuardTask, error) {
	if len(f.tasks) > limit {
		return f.tasks[:limit], nil
	}
	return f.tasks, nil
}

func (f *fakeGuardRepo) TouchCrawlTasks(ctx context.Context, tx Tx, taskID int64) error {
	f.touched[taskID] = true
	return nil
}

func (f *fakeGuardRepo) RecomputeFingerprint(ctx context.Context, tx Tx, taskID int64, kind domain.FingerprintKind) (int64, error) {
	return f.current[taskID], nil
}

func (f *fakeGuardRepo) StoredFingerprint(ctx context.Context, tx Tx, taskID int64, kind domain.FingerprintKind) (int64, bool, error) {
	return f.stored[taskID], f.storedOK[taskID], nil
}

func (f *fakeGuardRepo) StoreFingerprint(ctx context.Context, tx Tx, taskID int64, kind domain.FingerprintKind, hash int64) error {
	f.stored[taskID] = hash
	f.storedOK[taskID] = true
	return nil
}

func (f *fakeGuardRepo) PurgeRatingRows(ctx context.Context, tx Tx, taskID int64) error {
	f.ratedCnt[taskID] = 0
	f.limit[taskID] = 0
	return nil
}

// TestHashGuardInvalidatesOnFingerprintMismatch is the S2 scenario: task T
// has stored fingerprint H1 = h64("AB") and 100 rated contacts. Its
// task_branches changes to "C", so the current fingerprint recomputes to
// H2 = h64("AC"). Sweep must delete all rating rows, zero
// subscribers_limit, and store H2.
func TestHashGuardInvalidatesOnFingerprintMismatch(t *testing.T) {
	const taskID = int64(42)
	const h1 = int64(111) // stands in for h64("AB")
	const h2 = int64(222) // stands in for h64("AC")

	repo := newFakeGuardRepo()
	repo.tasks = []GuardTask{{TaskID: taskID, Kind: domain.FingerprintContacts}}
	repo.stored[taskID] = h1
	repo.storedOK[taskID] = true
	repo.ratedCnt[taskID] = 100
	repo.limit[taskID] = 500
	repo.current[taskID] = h2 // task_branches already changed to "C"

	guard := NewHashGuard(repo, GuardConfig{})
	stats, err := guard.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 1, stats.Invalidated)
	assert.True(t, repo.touched[taskID])
	assert.Equal(t, 0, repo.ratedCnt[taskID])
	assert.Equal(t, 0, repo.limit[taskID])
	assert.Equal(t, h2, repo.stored[taskID])
}

func TestHashGuardLeavesMatchingFingerprintAlone(t *testing.T) {
	const taskID = int64(7)
	const h1 = int64(111)

	repo := newFakeGuardRepo()
	repo.tasks = []GuardTask{{TaskID: taskID, Kind: domain.FingerprintContacts}}
	repo.stored[taskID] = h1
	repo.storedOK[taskID] = true
	repo.ratedCnt[taskID] = 50
	repo.limit[taskID] = 500
	repo.current[taskID] = h1

	guard := NewHashGuard(repo, GuardConfig{})
	stats, err := guard.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 0, stats.Invalidated)
	assert.False(t, repo.touched[taskID])
	assert.Equal(t, 50, repo.ratedCnt[taskID])
	assert.Equal(t, 500, repo.limit[taskID])
}

func TestHashGuardFiresWhenFingerprintMissing(t *testing.T) {
	const taskID = int64(9)
	const h2 = int64(333)

	repo := newFakeGuardRepo()
	repo.tasks = []GuardTask{{TaskID: taskID, Kind: domain.FingerprintBranches}}
	repo.current[taskID] = h2
	repo.ratedCnt[taskID] = 10
	repo.limit[taskID] = 100
	// storedOK left false: no __task__kt_hash row yet.

	guard := NewHashGuard(repo, GuardConfig{})
	stats, err := guard.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Invalidated)
	assert.Equal(t, h2, repo.stored[taskID])
	assert.Equal(t, 0, repo.ratedCnt[taskID])
}
