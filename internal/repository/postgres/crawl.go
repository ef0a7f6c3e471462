package postgres

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/ignite/leadgen-engine/internal/crawl"
	"github.com/ignite/leadgen-engine/internal/queuebuilder"
)

// ratedContactsPriorityOffset mirrors RATE_CONTACTS_PRIORITY_OFFSET: a
// task with fewer than this many rated contacts is "underdone" and gets
// exclusive dispatch priority.
const ratedContactsPriorityOffset = 500

// CrawlRepo backs both queuebuilder.Source (the per-task (plz, branch)
// rate rows crawl_tasks holds) and crawl.Repository (the cb_crawler
// directory and aap_audience_audiencetask's run flags), against the
// same tables RatingRepo already reads.
type CrawlRepo struct {
	db *sql.DB
}

func NewCrawlRepo(db *sql.DB) *CrawlRepo { return &CrawlRepo{db: db} }

func (r *CrawlRepo) LoadPLZRates(ctx context.Context, taskID int64) ([]queuebuilder.PLZRate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT rate, descriptor->>'plz' FROM crawl_tasks
		WHERE task_id = $1 AND kind = 'geo' AND rate IS NOT NULL
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load plz rates: %w", err)
	}
	defer rows.Close()

	var out []queuebuilder.PLZRate
	for rows.Next() {
		var pr queuebuilder.PLZRate
		if err := rows.Scan(&pr.Rate, &pr.PLZ); err != nil {
			return nil, fmt.Errorf("scan plz rate: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (r *CrawlRepo) LoadBranchRates(ctx context.Context, taskID int64) ([]queuebuilder.BranchRate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT rate, (descriptor->>'branch_id')::bigint FROM crawl_tasks
		WHERE task_id = $1 AND kind = 'branches' AND rate IS NOT NULL
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load branch rates: %w", err)
	}
	defer rows.Close()

	var out []queuebuilder.BranchRate
	for rows.Next() {
		var br queuebuilder.BranchRate
		if err := rows.Scan(&br.Rate, &br.BranchID); err != nil {
			return nil, fmt.Errorf("scan branch rate: %w", err)
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

// KTHash fingerprints a task's crawl_tasks rows as md5 of the ordered
// "kind:value_id=rate" string-agg, so BuildWindowValues' memoized result
// is invalidated the moment any row's rate or membership changes.
func (r *CrawlRepo) KTHash(ctx context.Context, taskID int64) (string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, id, COALESCE(rate, -1) FROM crawl_tasks
		WHERE task_id = $1
		ORDER BY kind, id
	`, taskID)
	if err != nil {
		return "", fmt.Errorf("kt hash: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var kind string
		var id, rate int64
		if err := rows.Scan(&kind, &id, &rate); err != nil {
			return "", fmt.Errorf("scan kt row: %w", err)
		}
		parts = append(parts, fmt.Sprintf("%s:%d=%d", kind, id, rate))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	sum := md5.Sum([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:]), nil
}

func (r *CrawlRepo) EnrichCBCrawler(ctx context.Context, keys []queuebuilder.Key) (map[queuebuilder.Key]queuebuilder.CBRow, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	plzs := make([]string, 0, len(keys))
	branchIDs := make([]int64, 0, len(keys))
	seen := map[string]bool{}
	for _, k := range keys {
		if !seen[k.PLZ] {
			seen[k.PLZ] = true
			plzs = append(plzs, k.PLZ)
		}
	}
	for _, k := range keys {
		branchIDs = append(branchIDs, k.BranchID)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, plz, branch_id, collected FROM cb_crawler
		WHERE plz = ANY($1) AND branch_id = ANY($2)
	`, pq.Array(plzs), pq.Array(branchIDs))
	if err != nil {
		return nil, fmt.Errorf("enrich cb_crawler: %w", err)
	}
	defer rows.Close()

	out := make(map[queuebuilder.Key]queuebuilder.CBRow)
	for rows.Next() {
		var id, branchID int64
		var plz string
		var collected bool
		if err := rows.Scan(&id, &plz, &branchID, &collected); err != nil {
			return nil, fmt.Errorf("scan cb_crawler row: %w", err)
		}
		out[queuebuilder.Key{PLZ: plz, BranchID: branchID}] = queuebuilder.CBRow{ID: id, Collected: collected}
	}
	return out, rows.Err()
}

// ActiveTasks lists aap_audience_audiencetask rows still wanting crawl
// work (run_processing and not yet collected), each flagged underdone
// against ratedContactsPriorityOffset via a correlated rate_contacts count.
func (r *CrawlRepo) ActiveTasks(ctx context.Context) ([]crawl.TaskCandidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id,
		       (SELECT COUNT(*) FROM rate_contacts rc WHERE rc.task_id = t.id AND rc.rate IS NOT NULL) < $1
		FROM aap_audience_audiencetask t
		WHERE t.run_processing = true AND t.collected = false
		ORDER BY t.id
	`, ratedContactsPriorityOffset)
	if err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}
	defer rows.Close()

	var out []crawl.TaskCandidate
	for rows.Next() {
		var c crawl.TaskCandidate
		if err := rows.Scan(&c.TaskID, &c.Underdone); err != nil {
			return nil, fmt.Errorf("scan task candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CrawlRepo) CellMeta(ctx context.Context, cbIDs []int64) (map[int64]crawl.CellMeta, error) {
	if len(cbIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, COALESCE(c.plz, ''), COALESCE(b.slug, '')
		FROM cb_crawler c
		LEFT JOIN branches b ON b.id = c.branch_id
		WHERE c.id = ANY($1)
	`, pq.Array(cbIDs))
	if err != nil {
		return nil, fmt.Errorf("cell meta: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]crawl.CellMeta, len(cbIDs))
	for rows.Next() {
		var id int64
		var m crawl.CellMeta
		if err := rows.Scan(&id, &m.PLZ, &m.BranchSlug); err != nil {
			return nil, fmt.Errorf("scan cell meta: %w", err)
		}
		out[id] = m
	}
	return out, rows.Err()
}

func (r *CrawlRepo) RefreshCollected(ctx context.Context, cbIDs []int64) (map[int64]bool, error) {
	if len(cbIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, collected FROM cb_crawler WHERE id = ANY($1)
	`, pq.Array(cbIDs))
	if err != nil {
		return nil, fmt.Errorf("refresh collected: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool, len(cbIDs))
	for rows.Next() {
		var id int64
		var collected bool
		if err := rows.Scan(&id, &collected); err != nil {
			return nil, fmt.Errorf("scan collected: %w", err)
		}
		out[id] = collected
	}
	return out, rows.Err()
}

func (r *CrawlRepo) PersistCollected(ctx context.Context, collected map[int64]bool) error {
	ids := make([]int64, 0, len(collected))
	for id := range collected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `
			UPDATE cb_crawler SET collected = $1 WHERE id = $2
		`, collected[id], id); err != nil {
			return fmt.Errorf("persist collected id=%d: %w", id, err)
		}
	}
	return nil
}

