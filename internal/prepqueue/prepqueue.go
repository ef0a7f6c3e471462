// Package prepqueue implements the admission/dispatch primitive shared by
// the rating pipeline's cell-prep and contact work streams: a cached,
// lock-guarded round-robin queue of rating-job ids, each carrying its own
// per-entity work queue, with a probabilistic head-vs-rotate admission
// policy so one slow job can't starve the rest.
//
// Both work streams use the identical "prep:<kind>:*" cache-key scheme and
// pop_batch shape; this package exists precisely so that scheme is
// implemented once instead of twice.
package prepqueue

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math/rand"
	"time"

	"github.com/ignite/leadgen-engine/internal/cacheclient"
)

// Config carries the tunables governing one Queue's cadence.
type Config struct {
	QueueTTL       time.Duration
	LockTTL        time.Duration
	EntityLockTTL  time.Duration
	DoProbability  float64
	BatchSize      int
	TasksQueueCap  int
	LockRetrySleep time.Duration
	// AdmissionGuard, when set, is consulted before the DoProbability
	// check whenever the head job's entity queue is non-empty. A false
	// result rotates the head and tries the next job, the same as a
	// DoProbability miss — this is the contacts-only overshoot guard
	// (spec.md S3): geo/branches/contacts_update leave it nil.
	AdmissionGuard func(ctx context.Context, taskID int64) (bool, error)
}

// TaskSource supplies the DB-backed facts a Queue needs but does not own:
// which rating jobs of a kind are outstanding, and whether a given one is
// still alive (not done, not orphaned).
type TaskSource interface {
	// BuildTasksQueue returns outstanding rating-job ids for kind, newest
	// first, capped at limit.
	BuildTasksQueue(ctx context.Context, kind string, limit int) ([]int64, error)
	// IsAlive reports whether ratingID is still an open job of kind, and if
	// so its owning task id and target fingerprint.
	IsAlive(ctx context.Context, ratingID int64, kind string) (taskID, targetHash int64, alive bool, err error)
}

// Mode identifies what PopBatch decided.
type Mode string

const (
	ModeWork     Mode = "work"
	ModeNeedFill Mode = "need_fill"
	ModeNoop     Mode = "noop"
)

// PopResult is PopBatch's decision.
type PopResult struct {
	Mode       Mode
	RatingID   int64
	TaskID     int64
	TargetHash int64
	IDs        []int64 // populated when Mode == ModeWork
	EntityQLen int     // populated when Mode == ModeNeedFill (always 0: queue was empty)
}

// EntityToken is a held per-entity lease, returned by ReserveEntities so the
// caller can release it once the entity's work completes.
type EntityToken struct {
	LockKey string
	Token   string
}

// Queue is one kind's ("geo" | "branches" | "contacts" | "contacts_update")
// prep queue.
type Queue struct {
	client *cacheclient.Client
	kind   string
	cfg    Config
	rng    *rand.Rand
}

func New(client *cacheclient.Client, kind string, cfg Config) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.TasksQueueCap <= 0 {
		cfg.TasksQueueCap = 500
	}
	if cfg.LockRetrySleep <= 0 {
		cfg.LockRetrySleep = 100 * time.Millisecond
	}
	if cfg.DoProbability <= 0 {
		cfg.DoProbability = 0.70
	}
	return &Queue{
		client: client,
		kind:   kind,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (q *Queue) keyTasks() string { return fmt.Sprintf("prep:%s:tasks:q", q.kind) }
func (q *Queue) keyLock() string  { return fmt.Sprintf("prep:%s:lock", q.kind) }
func (q *Queue) keyEntities(ratingID int64) string {
	return fmt.Sprintf("prep:%s:entities:q:%d", q.kind, ratingID)
}
func (q *Queue) keyEntityLock(taskID, entityID int64) string {
	return fmt.Sprintf("prep:%s:eid:%d:%d", q.kind, taskID, entityID)
}

func (q *Queue) cacheGetList(key string) []int64 {
	raw, ok := q.client.Get(key, q.cfg.QueueTTL)
	if !ok {
		return nil
	}
	var items []int64
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&items); err != nil {
		return nil
	}
	return items
}

func (q *Queue) cacheSetList(key string, items []int64) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(items); err != nil {
		return
	}
	q.client.Set(key, buf.Bytes(), q.cfg.QueueTTL)
}

// lockAcquire spin-retries LOCK_TRY on the per-kind coordination lock until
// acquired or ctx is canceled.
func (q *Queue) lockAcquire(ctx context.Context, owner string) (string, error) {
	key := q.keyLock()
	for {
		if acquired, token, _ := q.client.LockTry(key, owner, q.cfg.LockTTL); acquired {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(q.cfg.LockRetrySleep):
		}
	}
}

func (q *Queue) lockRelease(token string) {
	q.client.LockRelease(q.keyLock(), token)
}

func owner(kind, tag string) string {
	return fmt.Sprintf("prep:%s:%s:%d", kind, tag, time.Now().UnixNano())
}

func rotate(ids []int64) []int64 {
	if len(ids) <= 1 {
		return ids
	}
	out := make([]int64, 0, len(ids))
	out = append(out, ids[1:]...)
	out = append(out, ids[0])
	return out
}

// ensureTasksQueue returns the cached tasks queue, rebuilding it from src
// when the cache is empty.
func (q *Queue) ensureTasksQueue(ctx context.Context, src TaskSource) ([]int64, error) {
	qk := q.keyTasks()
	if cached := q.cacheGetList(qk); len(cached) > 0 {
		return cached, nil
	}
	built, err := src.BuildTasksQueue(ctx, q.kind, q.cfg.TasksQueueCap)
	if err != nil {
		return nil, err
	}
	q.cacheSetList(qk, built)
	return built, nil
}

// PopBatch is the atomic admission/dispatch primitive: it holds the kind's
// coordination lock for its entire decision, so two callers never see the
// same head simultaneously. It drops dead rating jobs from the head,
// applies the DoProbability head-vs-rotate policy when the head's entity
// queue is non-empty, and reports NeedFill when it's empty.
func (q *Queue) PopBatch(ctx context.Context, src TaskSource) (PopResult, error) {
	token, err := q.lockAcquire(ctx, owner(q.kind, "proc"))
	if err != nil {
		return PopResult{Mode: ModeNoop}, err
	}
	defer q.lockRelease(token)

	qk := q.keyTasks()
	ids, err := q.ensureTasksQueue(ctx, src)
	if err != nil {
		return PopResult{Mode: ModeNoop}, err
	}
	if len(ids) == 0 {
		return PopResult{Mode: ModeNoop}, nil
	}

	tries := len(ids)
	for tries > 0 && len(ids) > 0 {
		ratingID := ids[0]

		taskID, targetHash, alive, err := src.IsAlive(ctx, ratingID, q.kind)
		if err != nil {
			return PopResult{Mode: ModeNoop}, err
		}
		if !alive {
			ids = ids[1:]
			q.cacheSetList(qk, ids)
			tries--
			continue
		}

		ek := q.keyEntities(ratingID)
		eq := q.cacheGetList(ek)

		if len(eq) > 0 {
			if q.cfg.AdmissionGuard != nil {
				allow, err := q.cfg.AdmissionGuard(ctx, taskID)
				if err != nil {
					return PopResult{Mode: ModeNoop}, err
				}
				if !allow {
					ids = rotate(ids)
					q.cacheSetList(qk, ids)
					tries--
					continue
				}
			}

			if q.rng.Float64() <= q.cfg.DoProbability {
				n := q.cfg.BatchSize
				if n > len(eq) {
					n = len(eq)
				}
				take := append([]int64(nil), eq[:n]...)
				rest := append([]int64(nil), eq[n:]...)
				q.cacheSetList(ek, rest)
				return PopResult{Mode: ModeWork, RatingID: ratingID, TaskID: taskID, TargetHash: targetHash, IDs: take}, nil
			}
			ids = rotate(ids)
			q.cacheSetList(qk, ids)
			tries--
			continue
		}

		return PopResult{Mode: ModeNeedFill, RatingID: ratingID, TaskID: taskID, TargetHash: targetHash}, nil
	}

	return PopResult{Mode: ModeNoop}, nil
}

// RotateHead moves the task queue's head to its tail, under the
// coordination lock.
func (q *Queue) RotateHead(ctx context.Context) error {
	token, err := q.lockAcquire(ctx, owner(q.kind, "rot"))
	if err != nil {
		return err
	}
	defer q.lockRelease(token)

	qk := q.keyTasks()
	ids := q.cacheGetList(qk)
	q.cacheSetList(qk, rotate(ids))
	return nil
}

// FillEntities replaces a rating job's entity work queue, under the
// coordination lock.
func (q *Queue) FillEntities(ctx context.Context, ratingID int64, ids []int64) error {
	token, err := q.lockAcquire(ctx, owner(q.kind, "fill"))
	if err != nil {
		return err
	}
	defer q.lockRelease(token)

	q.cacheSetList(q.keyEntities(ratingID), ids)
	return nil
}

// ReserveEntities acquires per-entity leases on up to limit of ids,
// skipping any already held by another owner. It returns the reserved ids
// in order, plus the tokens needed to release them.
func (q *Queue) ReserveEntities(taskID int64, ids []int64, limit int) ([]int64, []EntityToken) {
	var reserved []int64
	var tokens []EntityToken
	own := owner(q.kind, "entity")

	for _, eid := range ids {
		if len(reserved) >= limit {
			break
		}
		lockKey := q.keyEntityLock(taskID, eid)
		acquired, token, _ := q.client.LockTry(lockKey, own, q.cfg.EntityLockTTL)
		if !acquired {
			continue
		}
		reserved = append(reserved, eid)
		tokens = append(tokens, EntityToken{LockKey: lockKey, Token: token})
	}
	return reserved, tokens
}

// ReleaseEntityTokens releases every held entity lease, best-effort.
func (q *Queue) ReleaseEntityTokens(tokens []EntityToken) {
	for _, t := range tokens {
		q.client.LockRelease(t.LockKey, t.Token)
	}
}
