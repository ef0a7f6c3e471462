package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/leadgen-engine/internal/domain"
	"github.com/ignite/leadgen-engine/internal/rating"
)

// RatingRepo implements rating.Repository and rating.GuardRepository
// against __tasks_rating (one row per open rating job), aap_audience_
// audiencetask (the task itself), rate_contacts (contacts/contacts_update
// rated rows), crawl_tasks (geo/branches cells), and __task__kt_hash (the
// stored fingerprint per task/kind).
type RatingRepo struct {
	db *sql.DB
}

func NewRatingRepo(db *sql.DB) *RatingRepo { return &RatingRepo{db: db} }

func ratingTx(tx rating.Tx) (*sql.Tx, error) {
	t, ok := tx.(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("postgres: expected *sql.Tx, got %T", tx)
	}
	return t, nil
}

func (r *RatingRepo) BeginTx(ctx context.Context) (rating.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

func (r *RatingRepo) BuildTasksQueue(ctx context.Context, kind domain.RatingJobType, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM __tasks_rating
		WHERE kind = $1 AND closed_at IS NULL
		ORDER BY id DESC
		LIMIT $2
	`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("build tasks queue: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rating id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *RatingRepo) RatingJobAlive(ctx context.Context, ratingID int64, kind domain.RatingJobType) (int64, int64, bool, error) {
	var taskID, hash int64
	err := r.db.QueryRowContext(ctx, `
		SELECT task_id, target_hash FROM __tasks_rating
		WHERE id = $1 AND kind = $2 AND closed_at IS NULL
	`, ratingID, string(kind)).Scan(&taskID, &hash)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("rating job alive: %w", err)
	}
	return taskID, hash, true, nil
}

func (r *RatingRepo) CloseRatingJob(ctx context.Context, ratingID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE __tasks_rating SET closed_at = NOW() WHERE id = $1
	`, ratingID)
	if err != nil {
		return fmt.Errorf("close rating job: %w", err)
	}
	return nil
}

func (r *RatingRepo) LoadTask(ctx context.Context, taskID int64) (domain.Task, bool, error) {
	var t domain.Task
	err := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, user_id, type, COALESCE(main,''), COALESCE(geo,''),
		       COALESCE(branches,''), COALESCE(client,''), subscribers_limit,
		       run_processing, archived
		FROM aap_audience_audiencetask
		WHERE id = $1
	`, taskID).Scan(&t.ID, &t.WorkspaceID, &t.UserID, &t.Type, &t.Main, &t.Geo,
		&t.Branches, &t.Client, &t.SubscribersLimit, &t.RunProcessing, &t.Archived)
	if err == sql.ErrNoRows {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("load task: %w", err)
	}
	return t, true, nil
}

func (r *RatingRepo) RatedCount(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_contacts
		WHERE task_id = $1 AND rate IS NOT NULL
		  AND hash_task NOT IN (-1, 0, 1)
	`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("rated count: %w", err)
	}
	return n, nil
}

func (r *RatingRepo) HasStaleContacts(ctx context.Context, taskID, targetHash int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM rate_contacts
			WHERE task_id = $1 AND (hash_task IS DISTINCT FROM $2)
		)
	`, taskID, targetHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has stale contacts: %w", err)
	}
	return exists, nil
}

func (r *RatingRepo) HasOutstandingCells(ctx context.Context, kind domain.RatingJobType, taskID, targetHash int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM crawl_tasks
			WHERE task_id = $1 AND kind = $2
			  AND (rate IS NULL OR hash_task IS DISTINCT FROM $3)
		)
	`, taskID, string(kind), targetHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has outstanding cells: %w", err)
	}
	return exists, nil
}

func (r *RatingRepo) SelectCandidates(ctx context.Context, kind domain.RatingJobType, taskID, targetHash int64, limit int) ([]int64, error) {
	var rows *sql.Rows
	var err error
	switch kind {
	case domain.RatingJobGeo, domain.RatingJobBranches:
		rows, err = r.db.QueryContext(ctx, `
			SELECT id FROM crawl_tasks
			WHERE task_id = $1 AND kind = $2
			  AND (rate IS NULL OR hash_task IS DISTINCT FROM $3)
			ORDER BY id
			LIMIT $4
		`, taskID, string(kind), targetHash, limit)
	default:
		rows, err = r.db.QueryContext(ctx, `
			SELECT id FROM rate_contacts
			WHERE task_id = $1 AND (hash_task IS DISTINCT FROM $2)
			ORDER BY id
			LIMIT $3
		`, taskID, targetHash, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *RatingRepo) FetchPayload(ctx context.Context, kind domain.RatingJobType, ids []int64) ([]rating.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows *sql.Rows
	var err error
	switch kind {
	case domain.RatingJobGeo, domain.RatingJobBranches:
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, descriptor FROM crawl_tasks WHERE id = ANY($1)
		`, pq.Array(ids))
	default:
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, norm FROM rate_contacts WHERE id = ANY($1)
		`, pq.Array(ids))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	defer rows.Close()

	var out []rating.Item
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		payload := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		out = append(out, rating.Item{ID: id, Payload: payload})
	}
	return out, rows.Err()
}

func (r *RatingRepo) WriteRates(ctx context.Context, kind domain.RatingJobType, taskID, targetHash int64, rates map[int64]int) error {
	if len(rates) == 0 {
		return nil
	}
	table := "rate_contacts"
	if kind == domain.RatingJobGeo || kind == domain.RatingJobBranches {
		table = "crawl_tasks"
	}
	for id, rate := range rates {
		_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET rate = $1, hash_task = $2, updated_at = NOW()
			WHERE task_id = $3 AND id = $4
		`, table), rate, targetHash, taskID, id)
		if err != nil {
			return fmt.Errorf("write rate %d: %w", id, err)
		}
	}
	return nil
}

func (r *RatingRepo) ActiveRatingJobs(ctx context.Context, limit int) ([]rating.JobRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, kind, target_hash FROM __tasks_rating
		WHERE closed_at IS NULL
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("active rating jobs: %w", err)
	}
	defer rows.Close()

	var out []rating.JobRow
	for rows.Next() {
		var j rating.JobRow
		var kind string
		if err := rows.Scan(&j.RatingID, &j.TaskID, &kind, &j.TargetHash); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		j.Kind = domain.RatingJobType(kind)
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- GuardRepository ---

func (r *RatingRepo) ActiveGuardTasks(ctx context.Context, tx rating.Tx, limit int) ([]rating.GuardTask, error) {
	t, err := ratingTx(tx)
	if err != nil {
		return nil, err
	}
	rows, err := t.QueryContext(ctx, `
		SELECT id, 'contacts' FROM aap_audience_audiencetask
		WHERE archived = false AND run_processing = true
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("active guard tasks: %w", err)
	}
	defer rows.Close()

	var out []rating.GuardTask
	for rows.Next() {
		var g rating.GuardTask
		var kind string
		if err := rows.Scan(&g.TaskID, &kind); err != nil {
			return nil, fmt.Errorf("scan guard task: %w", err)
		}
		g.Kind = domain.FingerprintKind(kind)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *RatingRepo) TouchCrawlTasks(ctx context.Context, tx rating.Tx, taskID int64) error {
	t, err := ratingTx(tx)
	if err != nil {
		return err
	}
	_, err = t.ExecContext(ctx, `UPDATE crawl_tasks SET updated_at = NOW() WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("touch crawl_tasks: %w", err)
	}
	return nil
}

// RecomputeFingerprint derives the task's current h64(main || subtype_text)
// fingerprint from aap_audience_audiencetask's free-text columns, mirroring
// spec.md §4.3's "Task" fingerprint definition.
func (r *RatingRepo) RecomputeFingerprint(ctx context.Context, tx rating.Tx, taskID int64, kind domain.FingerprintKind) (int64, error) {
	t, err := ratingTx(tx)
	if err != nil {
		return 0, err
	}
	var main string
	var subtype string
	col := "geo"
	switch kind {
	case domain.FingerprintBranches:
		col = "branches"
	case domain.FingerprintContacts:
		col = "client"
	}
	err = t.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(main,''), COALESCE(%s,'') FROM aap_audience_audiencetask WHERE id = $1
	`, col), taskID).Scan(&main, &subtype)
	if err != nil {
		return 0, fmt.Errorf("recompute fingerprint: %w", err)
	}
	return domain.H64(main, subtype), nil
}

func (r *RatingRepo) StoredFingerprint(ctx context.Context, tx rating.Tx, taskID int64, kind domain.FingerprintKind) (int64, bool, error) {
	t, err := ratingTx(tx)
	if err != nil {
		return 0, false, err
	}
	var hash int64
	err = t.QueryRowContext(ctx, `
		SELECT hash FROM __task__kt_hash WHERE task_id = $1 AND kind = $2
	`, taskID, string(kind)).Scan(&hash)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stored fingerprint: %w", err)
	}
	return hash, true, nil
}

func (r *RatingRepo) StoreFingerprint(ctx context.Context, tx rating.Tx, taskID int64, kind domain.FingerprintKind, hash int64) error {
	t, err := ratingTx(tx)
	if err != nil {
		return err
	}
	_, err = t.ExecContext(ctx, `
		INSERT INTO __task__kt_hash (task_id, kind, hash, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (task_id, kind) DO UPDATE SET hash = EXCLUDED.hash, updated_at = NOW()
	`, taskID, string(kind), hash)
	if err != nil {
		return fmt.Errorf("store fingerprint: %w", err)
	}
	return nil
}

func (r *RatingRepo) PurgeRatingRows(ctx context.Context, tx rating.Tx, taskID int64) error {
	t, err := ratingTx(tx)
	if err != nil {
		return err
	}
	if _, err := t.ExecContext(ctx, `DELETE FROM rate_contacts WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("purge rating rows: %w", err)
	}
	if _, err := t.ExecContext(ctx, `
		UPDATE aap_audience_audiencetask SET subscribers_limit = 0 WHERE id = $1
	`, taskID); err != nil {
		return fmt.Errorf("reset subscribers_limit: %w", err)
	}
	return nil
}
