package queuebuilder

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/ignite/leadgen-engine/internal/cacheclient"
)

const (
	CBWindow = 100_000
	CBBatch  = 1_000
	CBDiff   = 1_000
)

// Key identifies a resolved (PLZ, branch) cell.
type Key struct {
	PLZ      string
	BranchID int64
}

// CBRow is the directory-inventory row a Key resolves to.
type CBRow struct {
	ID        int64
	Collected bool
}

// Val is one resolved, ranked cell: the directory id, its score, and
// whether it's already been crawled.
type Val struct {
	CBID      int64
	Rate      int64
	Collected bool
}

// Source supplies the DB-backed facts a Builder needs.
type Source interface {
	LoadPLZRates(ctx context.Context, taskID int64) ([]PLZRate, error)
	LoadBranchRates(ctx context.Context, taskID int64) ([]BranchRate, error)
	// KTHash is the version fingerprint of a task's crawl_tasks rows
	// (md5 of the ordered type:value_id=rate string-agg); memoized results
	// are invalidated whenever this changes.
	KTHash(ctx context.Context, taskID int64) (string, error)
	// EnrichCBCrawler resolves a batch of (PLZ, branch) keys against
	// cb_crawler, returning only the keys that exist.
	EnrichCBCrawler(ctx context.Context, keys []Key) (map[Key]CBRow, error)
}

// Builder computes and memoizes crawl windows per task.
type Builder struct {
	src   Source
	cache *cacheclient.Client
}

func New(src Source, cache *cacheclient.Client) *Builder {
	return &Builder{src: src, cache: cache}
}

func ttl2to4h() time.Duration {
	secs := 2*3600 + rand.Intn(2*3600+1)
	return time.Duration(secs) * time.Second
}

// BuildWindowValues computes the top-k (PLZ, branch) cells by score and
// resolves each against cb_crawler, batching lookups by CBBatch, then
// returns them sorted by (rate, cb_id).
func (b *Builder) BuildWindowValues(ctx context.Context, taskID int64, k int) ([]Val, error) {
	plzRates, err := b.src.LoadPLZRates(ctx, taskID)
	if err != nil {
		return nil, err
	}
	branchRates, err := b.src.LoadBranchRates(ctx, taskID)
	if err != nil {
		return nil, err
	}

	pairs := TopKPairs(plzRates, branchRates, k)
	rateByKey := make(map[Key]int64, len(pairs))
	keys := make([]Key, 0, len(pairs))
	for _, p := range pairs {
		key := Key{PLZ: p.PLZ, BranchID: p.BranchID}
		if _, seen := rateByKey[key]; !seen {
			keys = append(keys, key)
		}
		rateByKey[key] = p.Score
	}

	enriched := make(map[Key]Val, len(keys))
	for off := 0; off < len(keys); off += CBBatch {
		end := off + CBBatch
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[off:end]
		rows, err := b.src.EnrichCBCrawler(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for k, row := range rows {
			enriched[k] = Val{CBID: row.ID, Rate: rateByKey[k], Collected: row.Collected}
		}
	}

	values := make([]Val, 0, len(enriched))
	for _, v := range enriched {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if values[i].Rate != values[j].Rate {
			return values[i].Rate < values[j].Rate
		}
		return values[i].CBID < values[j].CBID
	})
	return values, nil
}

func firstUncollectedIdx(values []Val) int {
	for i, v := range values {
		if !v.Collected {
			return i
		}
	}
	return -1
}

// GetExpand returns the ±CBDiff window of ranked cells around the first
// uncollected entry, memoized on the task's crawl_tasks fingerprint.
func (b *Builder) GetExpand(ctx context.Context, taskID int64) ([]Val, error) {
	kt, err := b.src.KTHash(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return cacheclient.Memo(ctx, b.cache, "queuebuilder.get_expand", kt, ttl2to4h(), false, taskID,
		func(ctx context.Context, taskID int64) ([]Val, error) {
			values, err := b.BuildWindowValues(ctx, taskID, CBWindow)
			if err != nil {
				return nil, err
			}
			i := firstUncollectedIdx(values)
			if i < 0 {
				return nil, nil
			}
			lo, hi := i-CBDiff, i+CBDiff
			if lo < 0 {
				lo = 0
			}
			if hi > len(values) {
				hi = len(values)
			}
			return values[lo:hi], nil
		})
}

// GetExpandFull returns the prefix of ranked cells up to and including the
// first uncollected entry, memoized on the task's crawl_tasks fingerprint.
func (b *Builder) GetExpandFull(ctx context.Context, taskID int64) ([]Val, error) {
	kt, err := b.src.KTHash(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return cacheclient.Memo(ctx, b.cache, "queuebuilder.get_expand_full", kt, ttl2to4h(), false, taskID,
		func(ctx context.Context, taskID int64) ([]Val, error) {
			values, err := b.BuildWindowValues(ctx, taskID, CBWindow)
			if err != nil {
				return nil, err
			}
			i := firstUncollectedIdx(values)
			if i < 0 {
				return values, nil
			}
			return values[:i+1], nil
		})
}

// GetCrawler returns up to 2*CBDiff not-yet-collected cells starting from
// the first uncollected entry, memoized on the task's crawl_tasks
// fingerprint.
func (b *Builder) GetCrawler(ctx context.Context, taskID int64) ([]Val, error) {
	kt, err := b.src.KTHash(ctx, taskID)
	if err != nil {
		return nil, err
	}
	need := 2 * CBDiff
	return cacheclient.Memo(ctx, b.cache, "queuebuilder.get_crawler", kt, ttl2to4h(), false, taskID,
		func(ctx context.Context, taskID int64) ([]Val, error) {
			values, err := b.BuildWindowValues(ctx, taskID, CBWindow)
			if err != nil {
				return nil, err
			}
			i := firstUncollectedIdx(values)
			if i < 0 {
				return nil, nil
			}
			out := make([]Val, 0, need)
			for _, v := range values[i:] {
				if !v.Collected {
					out = append(out, v)
					if len(out) >= need {
						break
					}
				}
			}
			return out, nil
		})
}
