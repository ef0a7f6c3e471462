// Package crawl implements the round-robin dispatch queue that feeds
// resolved directory cells to spider workers one at a time: Rebuild
// interleaves each active task's ranked, not-yet-collected cells into one
// combined queue; Dispatch pops its head under a short-lived lock and runs
// the spider outside the lock, so a slow crawl never blocks the next pop.
package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/leadgen-engine/internal/cacheclient"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/queuebuilder"
)

const (
	QueueBuildLimit  = 500
	PerTaskPickLimit = 500

	dispatchQueueKey = "crawl:dispatch:q"
	dispatchLockKey  = "crawl:dispatch:lock"
	dispatchLockTTL  = 10 * time.Second
)

// Item is one dispatchable unit: a resolved directory cell tied back to
// the task that wants it crawled.
type Item struct {
	CBID       int64
	PLZ        string
	BranchSlug string
	TaskID     int64
}

// TaskCandidate is one task eligible for this rebuild, flagged for
// whether its materialized contacts are "underdone" (fewer than
// RATE_CONTACTS_PRIORITY_OFFSET rated contacts) — underdone tasks get
// exclusive priority over the rest of the competing task pool.
type TaskCandidate struct {
	TaskID    int64
	Underdone bool
}

// CellMeta resolves a directory id to the fields an Item needs to carry.
type CellMeta struct {
	PLZ        string
	BranchSlug string
}

// Repository is the DB surface Rebuild needs.
type Repository interface {
	// ActiveTasks returns tasks with run_processing=true AND
	// collected=false, each flagged for priority eligibility.
	ActiveTasks(ctx context.Context) ([]TaskCandidate, error)
	// CellMeta resolves directory ids to their (plz, branch_slug) pair.
	CellMeta(ctx context.Context, cbIDs []int64) (map[int64]CellMeta, error)
	// RefreshCollected re-checks the directory table's collected flag for
	// the given ids immediately before dispatch, since GetCrawler's result
	// may be memoized and stale.
	RefreshCollected(ctx context.Context, cbIDs []int64) (map[int64]bool, error)
	// PersistCollected writes back the collected flags RefreshCollected
	// returned (all of them, changed or not), so the next memoized
	// GetCrawler call sees them.
	PersistCollected(ctx context.Context, collected map[int64]bool) error
}

// CellSource is the ranked-cell supplier: queuebuilder.Builder satisfies
// this directly.
type CellSource interface {
	GetCrawler(ctx context.Context, taskID int64) ([]queuebuilder.Val, error)
}

// Spider runs one crawl item. Implementations decide whether to run
// in-process or hand off to an external fetcher; the coordinator only
// guarantees it is invoked outside the dispatch lock.
type Spider interface {
	Crawl(ctx context.Context, item Item) error
}

type Coordinator struct {
	repo   Repository
	cells  CellSource
	spider Spider
	cache  *cacheclient.Client
}

func New(repo Repository, cells CellSource, spider Spider, cache *cacheclient.Client) *Coordinator {
	return &Coordinator{repo: repo, cells: cells, spider: spider, cache: cache}
}

// Rebuild recomputes the combined dispatch queue: underdone tasks get
// exclusive priority (per spec.md §4.6's "underdone ... prioritized
// exclusively"); otherwise every active task competes. Within that pool,
// one cell is taken from each task in turn (no shuffling) until the
// combined queue hits QueueBuildLimit or every task is exhausted.
func (c *Coordinator) Rebuild(ctx context.Context) (int, error) {
	candidates, err := c.repo.ActiveTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("crawl: active tasks: %w", err)
	}

	tasks := selectCompetingTasks(candidates)
	if len(tasks) == 0 {
		c.storeQueue(nil, nil)
		return 0, nil
	}

	perTask := make(map[int64][]queuebuilder.Val, len(tasks))
	var allCBIDs []int64
	for _, taskID := range tasks {
		vals, err := c.cells.GetCrawler(ctx, taskID)
		if err != nil {
			return 0, fmt.Errorf("crawl: get crawler task=%d: %w", taskID, err)
		}
		if len(vals) > PerTaskPickLimit {
			vals = vals[:PerTaskPickLimit]
		}
		perTask[taskID] = vals
		for _, v := range vals {
			allCBIDs = append(allCBIDs, v.CBID)
		}
	}

	refreshed, err := c.repo.RefreshCollected(ctx, allCBIDs)
	if err != nil {
		return 0, fmt.Errorf("crawl: refresh collected: %w", err)
	}
	if len(refreshed) > 0 {
		if err := c.repo.PersistCollected(ctx, refreshed); err != nil {
			return 0, fmt.Errorf("crawl: persist collected: %w", err)
		}
	}

	meta, err := c.repo.CellMeta(ctx, allCBIDs)
	if err != nil {
		return 0, fmt.Errorf("crawl: cell meta: %w", err)
	}

	items, rmap := interleave(tasks, perTask, refreshed, meta, QueueBuildLimit)
	c.storeQueue(items, rmap)
	logger.Info("crawl dispatch queue rebuilt", "tasks", len(tasks), "items", len(items))
	return len(items), nil
}

// selectCompetingTasks applies the underdone-exclusivity rule: if any
// candidate is underdone, only underdone tasks compete for this rebuild.
func selectCompetingTasks(candidates []TaskCandidate) []int64 {
	var underdone, all []int64
	for _, c := range candidates {
		all = append(all, c.TaskID)
		if c.Underdone {
			underdone = append(underdone, c.TaskID)
		}
	}
	if len(underdone) > 0 {
		return underdone
	}
	return all
}

// interleave takes one cell per task in round-robin order (skipping
// already-collected or exhausted tasks) until limit items are collected
// or every task is exhausted, building both the dispatch queue and the
// cb_id -> task_id reverse map a downstream spider result is attributed
// through.
func interleave(tasks []int64, perTask map[int64][]queuebuilder.Val, refreshed map[int64]bool, meta map[int64]CellMeta, limit int) ([]Item, map[int64]int64) {
	cursor := make(map[int64]int, len(tasks))
	items := make([]Item, 0, limit)
	rmap := make(map[int64]int64, limit)

	for len(items) < limit {
		progressed := false
		for _, taskID := range tasks {
			if len(items) >= limit {
				break
			}
			vals := perTask[taskID]
			i := cursor[taskID]
			for i < len(vals) {
				v := vals[i]
				i++
				if collected, ok := refreshed[v.CBID]; ok && collected {
					continue
				}
				if v.Collected {
					continue
				}
				m := meta[v.CBID]
				items = append(items, Item{CBID: v.CBID, PLZ: m.PLZ, BranchSlug: m.BranchSlug, TaskID: taskID})
				rmap[v.CBID] = taskID
				progressed = true
				break
			}
			cursor[taskID] = i
		}
		if !progressed {
			break
		}
	}
	return items, rmap
}

type storedQueue struct {
	Items []Item
	RMap  map[int64]int64
}

func (c *Coordinator) storeQueue(items []Item, rmap map[int64]int64) {
	raw, err := json.Marshal(storedQueue{Items: items, RMap: rmap})
	if err != nil {
		logger.Error("crawl: marshal dispatch queue", "err", err)
		return
	}
	c.cache.Set(dispatchQueueKey, raw, 0)
}

func (c *Coordinator) loadQueue() storedQueue {
	raw, ok := c.cache.Get(dispatchQueueKey, 0)
	if !ok || len(raw) == 0 {
		return storedQueue{}
	}
	var sq storedQueue
	if err := json.Unmarshal(raw, &sq); err != nil {
		logger.Error("crawl: unmarshal dispatch queue", "err", err)
		return storedQueue{}
	}
	return sq
}

func dispatchOwner() string {
	return fmt.Sprintf("crawl:dispatch:%d", time.Now().UnixNano())
}

// Dispatch pops one item from the head of the combined queue under a
// short-lived lock, then runs the spider outside the lock so a slow crawl
// never blocks the next pop. Returns false when the queue is empty — the
// caller should wait for the next Rebuild to refill it.
func (c *Coordinator) Dispatch(ctx context.Context) (bool, error) {
	acquired, token, _ := c.cache.LockTry(dispatchLockKey, dispatchOwner(), dispatchLockTTL)
	if !acquired {
		return false, nil
	}

	sq := c.loadQueue()
	if len(sq.Items) == 0 {
		c.cache.LockRelease(dispatchLockKey, token)
		return false, nil
	}

	item := sq.Items[0]
	sq.Items = sq.Items[1:]
	c.storeQueue(sq.Items, sq.RMap)
	c.cache.LockRelease(dispatchLockKey, token)

	if err := c.spider.Crawl(ctx, item); err != nil {
		logger.Warn("crawl spider failed", "cb_id", item.CBID, "task_id", item.TaskID, "err", err)
		return true, fmt.Errorf("crawl: spider: %w", err)
	}
	return true, nil
}

// TaskForCB resolves the reverse map entry persisted at the last Rebuild,
// letting a downstream spider result be attributed to its owning task.
func (c *Coordinator) TaskForCB(cbID int64) (int64, bool) {
	sq := c.loadQueue()
	taskID, ok := sq.RMap[cbID]
	return taskID, ok
}
