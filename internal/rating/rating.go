// Package rating implements RatingPipeline: the two parallel work streams
// — cells (geo, branches) and contacts (contacts, contacts_update) — that
// turn a task's audience specification into LLM-scored rows, coordinated
// through the shared prepqueue admission primitive.
package rating

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ignite/leadgen-engine/internal/cacheclient"
	"github.com/ignite/leadgen-engine/internal/domain"
	"github.com/ignite/leadgen-engine/internal/oracle"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/prepqueue"
)

// Kinds are the four independent prep-queue namespaces RatingPipeline
// coordinates, each its own prepqueue.Queue.
var Kinds = []domain.RatingJobType{
	domain.RatingJobGeo,
	domain.RatingJobBranches,
	domain.RatingJobContacts,
	domain.RatingJobContactsUpdate,
}

// Config carries RatingPipeline's tunables.
type Config struct {
	BatchSize        int // entities per LLM batch; 20
	GuardMaxParallel int // contacts-only overshoot guard; 10
	MaxFillContacts  int // contacts/contacts_update need_fill cap; 1000
	MaxFillCells     int // geo/branches need_fill cap; 2000
	prepqueue.Config     // shared tasks-queue tunables (QueueTTL, LockTTL, EntityLockTTL default 900s, ...)
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.GuardMaxParallel <= 0 {
		c.GuardMaxParallel = 10
	}
	if c.MaxFillContacts <= 0 {
		c.MaxFillContacts = 1000
	}
	if c.MaxFillCells <= 0 {
		c.MaxFillCells = 2000
	}
	if c.EntityLockTTL <= 0 {
		c.EntityLockTTL = 900 * time.Second
	}
	c.Config.BatchSize = c.BatchSize
	return c
}

// Item is one oracle-ready lookup row: an entity id plus its payload
// (cleaned aggregate norm for contacts, city/branch descriptor for cells).
type Item struct {
	ID      int64
	Payload map[string]any
}

// JobRow is one active rating-job row, as returned by ActiveRatingJobs for
// the done-scan sweep.
type JobRow struct {
	RatingID   int64
	TaskID     int64
	Kind       domain.RatingJobType
	TargetHash int64
}

// Repository is the DB surface RatingPipeline's tick and done-scan need.
type Repository interface {
	BuildTasksQueue(ctx context.Context, kind domain.RatingJobType, limit int) ([]int64, error)
	RatingJobAlive(ctx context.Context, ratingID int64, kind domain.RatingJobType) (taskID, targetHash int64, alive bool, err error)
	CloseRatingJob(ctx context.Context, ratingID int64) error

	LoadTask(ctx context.Context, taskID int64) (domain.Task, bool, error)

	// RatedCount counts contacts-kind rows with a non-null rate and a
	// valid hash_task for taskID.
	RatedCount(ctx context.Context, taskID int64) (int, error)
	// HasStaleContacts reports whether any contacts_update-kind stale row
	// remains for taskID under targetHash.
	HasStaleContacts(ctx context.Context, taskID, targetHash int64) (bool, error)
	// HasOutstandingCells reports whether any missing/stale geo/branches
	// cell remains for taskID under targetHash.
	HasOutstandingCells(ctx context.Context, kind domain.RatingJobType, taskID, targetHash int64) (bool, error)

	// SelectCandidates returns up to limit entity ids needing work:
	// missing/stale cells for geo/branches, un-rated/stale contacts for
	// contacts/contacts_update.
	SelectCandidates(ctx context.Context, kind domain.RatingJobType, taskID, targetHash int64, limit int) ([]int64, error)

	// FetchPayload loads the oracle-ready items for a batch of entity ids.
	FetchPayload(ctx context.Context, kind domain.RatingJobType, ids []int64) ([]Item, error)

	// WriteRates upserts (task_id, entity_id) -> rate rows: rate_contacts
	// for contacts/contacts_update, crawl_tasks for geo/branches.
	WriteRates(ctx context.Context, kind domain.RatingJobType, taskID, targetHash int64, rates map[int64]int) error

	// ActiveRatingJobs lists up to limit open rating jobs across all
	// kinds, oldest-updated first, for the done-scan sweep.
	ActiveRatingJobs(ctx context.Context, limit int) ([]JobRow, error)
}

// Pipeline is RatingPipeline: one prepqueue.Queue per kind, a Repository,
// and an Oracle for the LLM work path.
type Pipeline struct {
	repo      Repository
	llm       oracle.Oracle
	cfg       Config
	prompts   map[domain.RatingJobType]string
	queues    map[domain.RatingJobType]*prepqueue.Queue
	randFloat func() float64
}

// NewPipeline builds a Pipeline. prompts supplies the static per-kind
// instruction text sent ahead of each LLM batch — like the validate
// package's Enricher, this is injected as config rather than fetched
// through the original's prompt-translation cache, since UI-language
// translation is a separate concern this engine's scope doesn't cover.
func NewPipeline(repo Repository, llm oracle.Oracle, cache *cacheclient.Client, prompts map[domain.RatingJobType]string, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		repo:      repo,
		llm:       llm,
		cfg:       cfg,
		prompts:   prompts,
		queues:    map[domain.RatingJobType]*prepqueue.Queue{},
		randFloat: rand.New(rand.NewSource(time.Now().UnixNano())).Float64,
	}
	for _, kind := range Kinds {
		qcfg := cfg.Config
		if kind == domain.RatingJobContacts {
			qcfg.AdmissionGuard = p.contactsAdmissionGuard
		}
		p.queues[kind] = prepqueue.New(cache, string(kind), qcfg)
	}
	return p
}

// TickResult summarizes what one Tick call did, for logging/metrics.
type TickResult struct {
	Kind   domain.RatingJobType
	Mode   string // "noop" | "filled" | "ok" | "closed" | "error"
	Reason string
	Count  int
}

// taskSource adapts Repository to prepqueue.TaskSource for one kind.
type taskSource struct {
	repo Repository
}

func (s taskSource) BuildTasksQueue(ctx context.Context, kind string, limit int) ([]int64, error) {
	return s.repo.BuildTasksQueue(ctx, domain.RatingJobType(kind), limit)
}

func (s taskSource) IsAlive(ctx context.Context, ratingID int64, kind string) (int64, int64, bool, error) {
	return s.repo.RatingJobAlive(ctx, ratingID, domain.RatingJobType(kind))
}

// contactsAdmissionGuard is spec.md S3's overshoot guard: once a contacts
// task is close to its subscriber limit, admit a new batch with
// probability remaining/(batch_size*max_parallel) rather than outright,
// so many concurrent workers can't all land a batch past the limit.
func (p *Pipeline) contactsAdmissionGuard(ctx context.Context, taskID int64) (bool, error) {
	task, ok, err := p.repo.LoadTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	rated, err := p.repo.RatedCount(ctx, taskID)
	if err != nil {
		return false, err
	}
	return p.guardAllow(rated, task.SubscribersLimit), nil
}

// guardAllow is the admission-probability formula (spec.md S3): remaining
// = (subscribers_limit + batch_size) - rated; allow outright if remaining
// exceeds the safe parallel window, otherwise allow with probability
// remaining/safe_window.
func (p *Pipeline) guardAllow(rated, subscribersLimit int) bool {
	threshold := subscribersLimit + p.cfg.BatchSize
	remaining := threshold - rated
	if remaining <= 0 {
		return false
	}
	safeWindow := p.cfg.BatchSize * p.cfg.GuardMaxParallel
	if remaining > safeWindow {
		return true
	}
	return p.randFloat() < float64(remaining)/float64(safeWindow)
}

// Tick runs one admission/dispatch cycle for kind: pop a batch (or decide
// need_fill), and either fill the entity queue or run the LLM work path.
func (p *Pipeline) Tick(ctx context.Context, kind domain.RatingJobType) (TickResult, error) {
	q, ok := p.queues[kind]
	if !ok {
		return TickResult{Kind: kind, Mode: "error", Reason: "unknown_kind"}, fmt.Errorf("rating: unknown kind %q", kind)
	}

	res, err := q.PopBatch(ctx, taskSource{repo: p.repo})
	if err != nil {
		return TickResult{Kind: kind, Mode: "error"}, fmt.Errorf("rating: pop batch: %w", err)
	}

	switch res.Mode {
	case prepqueue.ModeNoop:
		return TickResult{Kind: kind, Mode: "noop"}, nil
	case prepqueue.ModeNeedFill:
		return p.needFill(ctx, kind, q, res)
	case prepqueue.ModeWork:
		return p.doWork(ctx, kind, q, res)
	default:
		return TickResult{Kind: kind, Mode: "noop"}, nil
	}
}

func (p *Pipeline) closeBadHash(ctx context.Context, kind domain.RatingJobType, ratingID, targetHash int64) (TickResult, bool, error) {
	if domain.InvalidFingerprints[targetHash] {
		if err := p.repo.CloseRatingJob(ctx, ratingID); err != nil {
			return TickResult{}, true, fmt.Errorf("rating: close bad hash: %w", err)
		}
		logger.Warn("rating job closed", "kind", kind, "rating_id", ratingID, "reason", "bad_target_hash")
		return TickResult{Kind: kind, Mode: "closed", Reason: "bad_target_hash"}, true, nil
	}
	return TickResult{}, false, nil
}

func (p *Pipeline) needFill(ctx context.Context, kind domain.RatingJobType, q *prepqueue.Queue, res prepqueue.PopResult) (TickResult, error) {
	if closed, didClose, err := p.closeBadHash(ctx, kind, res.RatingID, res.TargetHash); err != nil || didClose {
		return closed, err
	}

	done, err := p.isDone(ctx, kind, res.TaskID, res.TargetHash)
	if err != nil {
		return TickResult{Kind: kind, Mode: "error"}, err
	}
	if done {
		if err := p.repo.CloseRatingJob(ctx, res.RatingID); err != nil {
			return TickResult{Kind: kind, Mode: "error"}, fmt.Errorf("rating: close done: %w", err)
		}
		return TickResult{Kind: kind, Mode: "closed", Reason: "enough"}, nil
	}

	limit := p.cfg.MaxFillContacts
	if kind == domain.RatingJobGeo || kind == domain.RatingJobBranches {
		limit = p.cfg.MaxFillCells
	}
	ids, err := p.repo.SelectCandidates(ctx, kind, res.TaskID, res.TargetHash, limit)
	if err != nil {
		return TickResult{Kind: kind, Mode: "error"}, fmt.Errorf("rating: select candidates: %w", err)
	}
	if err := q.FillEntities(ctx, res.RatingID, ids); err != nil {
		return TickResult{Kind: kind, Mode: "error"}, fmt.Errorf("rating: fill entities: %w", err)
	}
	return TickResult{Kind: kind, Mode: "filled", Count: len(ids)}, nil
}

func (p *Pipeline) isDone(ctx context.Context, kind domain.RatingJobType, taskID, targetHash int64) (bool, error) {
	switch kind {
	case domain.RatingJobContacts:
		task, ok, err := p.repo.LoadTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		rated, err := p.repo.RatedCount(ctx, taskID)
		if err != nil {
			return false, err
		}
		return rated >= task.SubscribersLimit+p.cfg.BatchSize, nil
	case domain.RatingJobContactsUpdate:
		stale, err := p.repo.HasStaleContacts(ctx, taskID, targetHash)
		if err != nil {
			return false, err
		}
		return !stale, nil
	case domain.RatingJobGeo, domain.RatingJobBranches:
		outstanding, err := p.repo.HasOutstandingCells(ctx, kind, taskID, targetHash)
		if err != nil {
			return false, err
		}
		return !outstanding, nil
	default:
		return true, nil
	}
}

func (p *Pipeline) doWork(ctx context.Context, kind domain.RatingJobType, q *prepqueue.Queue, res prepqueue.PopResult) (TickResult, error) {
	if closed, didClose, err := p.closeBadHash(ctx, kind, res.RatingID, res.TargetHash); err != nil || didClose {
		return closed, err
	}

	reserved, tokens := q.ReserveEntities(res.TaskID, res.IDs, len(res.IDs))
	defer q.ReleaseEntityTokens(tokens)
	if len(reserved) == 0 {
		return TickResult{Kind: kind, Mode: "noop", Reason: "all_leased"}, nil
	}

	task, ok, err := p.repo.LoadTask(ctx, res.TaskID)
	if err != nil {
		return TickResult{Kind: kind, Mode: "error"}, err
	}
	if !ok {
		if err := p.repo.CloseRatingJob(ctx, res.RatingID); err != nil {
			return TickResult{Kind: kind, Mode: "error"}, err
		}
		return TickResult{Kind: kind, Mode: "closed", Reason: "task_missing"}, nil
	}

	items, err := p.repo.FetchPayload(ctx, kind, reserved)
	if err != nil {
		return TickResult{Kind: kind, Mode: "error"}, fmt.Errorf("rating: fetch payload: %w", err)
	}
	if len(items) == 0 {
		return TickResult{Kind: kind, Mode: "noop", Reason: "no_items"}, nil
	}

	payload, err := json.Marshal(itemsPayload(items))
	if err != nil {
		return TickResult{Kind: kind, Mode: "error"}, fmt.Errorf("rating: marshal payload: %w", err)
	}

	resp, err := p.llm.Ask(ctx, oracle.Request{
		Tier:        "maxi",
		WorkspaceID: task.WorkspaceID,
		System:      p.prompts[kind],
		User:        string(payload),
		Endpoint:    "rate_" + string(kind),
		UseCache:    false,
	})
	if err != nil {
		logger.Warn("rating oracle call failed", "kind", kind, "task_id", res.TaskID, "error", err.Error())
		return TickResult{Kind: kind, Mode: "error", Reason: "oracle_error"}, nil
	}

	rates, bad := parseRates(resp.Content, reserved)
	if len(rates) == 0 {
		logger.Warn("rating batch discarded", "kind", kind, "task_id", res.TaskID, "reason", "no_valid_rates", "bad", bad)
		return TickResult{Kind: kind, Mode: "error", Reason: "bad_json"}, nil
	}

	if err := p.repo.WriteRates(ctx, kind, res.TaskID, res.TargetHash, rates); err != nil {
		return TickResult{Kind: kind, Mode: "error"}, fmt.Errorf("rating: write rates: %w", err)
	}
	logger.Info("rating batch written", "kind", kind, "task_id", res.TaskID, "written", len(rates), "bad", bad)
	return TickResult{Kind: kind, Mode: "ok", Count: len(rates)}, nil
}

func itemsPayload(items []Item) map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		row := map[string]any{"id": it.ID}
		for k, v := range it.Payload {
			row[k] = v
		}
		out = append(out, row)
	}
	return map[string]any{"items": out}
}

type rateEntry struct {
	ID   int64   `json:"id"`
	Rate float64 `json:"rate"`
}

type ratesEnvelope struct {
	Items []rateEntry `json:"items"`
}

// parseRates validates the oracle's {"items":[{"id","rate"}]} response:
// only ids present in allowed are honored, and rate must be an integer in
// [1,100]. Anything else is counted as bad and dropped, never coerced.
func parseRates(content string, allowed []int64) (map[int64]int, int) {
	allowedSet := make(map[int64]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}

	var env ratesEnvelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &env); err != nil {
		return nil, len(allowed)
	}

	out := make(map[int64]int, len(env.Items))
	bad := 0
	for _, e := range env.Items {
		if !allowedSet[e.ID] {
			continue
		}
		rate := int(e.Rate)
		if float64(rate) != e.Rate || rate < 1 || rate > 100 {
			bad++
			continue
		}
		out[e.ID] = rate
	}
	return out, bad
}
