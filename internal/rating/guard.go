package rating

import (
	"context"
	"fmt"

	"github.com/ignite/leadgen-engine/internal/domain"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

// Tx is the commit/rollback boundary HashGuard needs. *sql.Tx satisfies it
// directly; tests supply a fake so the guard's purge logic can be
// exercised without a live DB connection. Kept local rather than shared
// with internal/validate's identical interface — two packages agreeing on
// a one-method shape isn't worth a cross-package dependency.
type Tx interface {
	Commit() error
	Rollback() error
}

// GuardTask is one task the hash guard checks on a sweep, for the
// "contacts" fingerprint context (the only one rating rows key off).
type GuardTask struct {
	TaskID int64
	Kind   domain.FingerprintKind
}

// GuardRepository is the DB surface the hash-guard invalidation sweep
// needs. Every mutation it calls runs inside the Tx from BeginTx so the
// fingerprint recompute and the rating-row purge stay consistent.
type GuardRepository interface {
	BeginTx(ctx context.Context) (Tx, error)

	// ActiveGuardTasks lists up to limit (task, fingerprint-kind) pairs to
	// check this sweep.
	ActiveGuardTasks(ctx context.Context, tx Tx, limit int) ([]GuardTask, error)

	// TouchCrawlTasks bumps crawl_tasks.updated_at for taskID, forcing the
	// next fingerprint recompute to reflect the latest row state.
	TouchCrawlTasks(ctx context.Context, tx Tx, taskID int64) error

	// RecomputeFingerprint derives the current fingerprint for (taskID,
	// kind) from crawl_tasks, within tx.
	RecomputeFingerprint(ctx context.Context, tx Tx, taskID int64, kind domain.FingerprintKind) (int64, error)

	// StoredFingerprint reads __task__kt_hash's current value for
	// (taskID, kind), if any.
	StoredFingerprint(ctx context.Context, tx Tx, taskID int64, kind domain.FingerprintKind) (int64, bool, error)

	// StoreFingerprint upserts __task__kt_hash's (taskID, kind) row.
	StoreFingerprint(ctx context.Context, tx Tx, taskID int64, kind domain.FingerprintKind, hash int64) error

	// PurgeRatingRows deletes every rate_contacts row for taskID and
	// resets its subscribers_limit to 0.
	PurgeRatingRows(ctx context.Context, tx Tx, taskID int64) error
}

// GuardConfig carries HashGuard's sweep size.
type GuardConfig struct {
	SweepLimit int // tasks checked per sweep; 0 -> 500
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.SweepLimit <= 0 {
		c.SweepLimit = 500
	}
	return c
}

// HashGuard is the periodic invalidation sweep (spec.md "Invalidation
// (hash guard)"): for each active task, recompute its fingerprint from
// crawl_tasks and compare against the stored one. A mismatch (including a
// missing stored value) forces a cache-busting purge: touch
// crawl_tasks.updated_at, recompute the fingerprint again inside the same
// transaction, delete every rating row for the task, zero its
// subscribers_limit, and store the new fingerprint — all atomically, so a
// crash mid-sweep never leaves a stale fingerprint paired with purged (or
// un-purged) rows.
type HashGuard struct {
	repo GuardRepository
	cfg  GuardConfig
}

func NewHashGuard(repo GuardRepository, cfg GuardConfig) *HashGuard {
	return &HashGuard{repo: repo, cfg: cfg.withDefaults()}
}

// GuardStats summarizes one Sweep call.
type GuardStats struct {
	Checked     int
	Invalidated int
}

// Sweep runs one pass over ActiveGuardTasks, invalidating every task whose
// recomputed fingerprint no longer matches the stored one.
func (g *HashGuard) Sweep(ctx context.Context) (GuardStats, error) {
	tx, err := g.repo.BeginTx(ctx)
	if err != nil {
		return GuardStats{}, fmt.Errorf("rating: guard begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	tasks, err := g.repo.ActiveGuardTasks(ctx, tx, g.cfg.SweepLimit)
	if err != nil {
		return GuardStats{}, fmt.Errorf("rating: active guard tasks: %w", err)
	}

	stats := GuardStats{Checked: len(tasks)}
	for _, t := range tasks {
		invalidated, err := g.checkOne(ctx, tx, t)
		if err != nil {
			return stats, err
		}
		if invalidated {
			stats.Invalidated++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("rating: guard commit: %w", err)
	}
	committed = true
	return stats, nil
}

// checkOne runs the 5-step invalidation for a single (task, kind) pair,
// returning whether it fired.
func (g *HashGuard) checkOne(ctx context.Context, tx Tx, t GuardTask) (bool, error) {
	current, err := g.repo.RecomputeFingerprint(ctx, tx, t.TaskID, t.Kind)
	if err != nil {
		return false, fmt.Errorf("rating: recompute fingerprint: %w", err)
	}

	stored, ok, err := g.repo.StoredFingerprint(ctx, tx, t.TaskID, t.Kind)
	if err != nil {
		return false, fmt.Errorf("rating: stored fingerprint: %w", err)
	}
	if ok && stored == current {
		return false, nil
	}

	// 1. Touch crawl_tasks to force a new fingerprint version.
	if err := g.repo.TouchCrawlTasks(ctx, tx, t.TaskID); err != nil {
		return false, fmt.Errorf("rating: touch crawl_tasks: %w", err)
	}

	// 2. Recompute through the same transaction, post-touch.
	newHash, err := g.repo.RecomputeFingerprint(ctx, tx, t.TaskID, t.Kind)
	if err != nil {
		return false, fmt.Errorf("rating: recompute fingerprint (post-touch): %w", err)
	}

	// 3-4. Delete all rating rows for the task, reset subscribers_limit.
	if err := g.repo.PurgeRatingRows(ctx, tx, t.TaskID); err != nil {
		return false, fmt.Errorf("rating: purge rating rows: %w", err)
	}

	// 5. Store the new fingerprint.
	if err := g.repo.StoreFingerprint(ctx, tx, t.TaskID, t.Kind, newHash); err != nil {
		return false, fmt.Errorf("rating: store fingerprint: %w", err)
	}

	logger.Info("rating hash guard invalidated task", "task_id", t.TaskID, "kind", t.Kind, "old_hash", stored, "new_hash", newHash)
	return true, nil
}
