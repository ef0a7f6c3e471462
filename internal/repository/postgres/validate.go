// Package postgres implements the Repository interfaces internal/validate
// and internal/rating declare, against a PostgreSQL database reached via
// database/sql and github.com/lib/pq (array parameter encoding).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/leadgen-engine/internal/validate"
)

// ValidateRepo implements validate.Repository and validate.EnrichRepository
// against raw_contacts_gb (candidates), raw_contacts_aggr (aggregates), and
// cb_crawler (cell lookup).
type ValidateRepo struct {
	db *sql.DB
}

func NewValidateRepo(db *sql.DB) *ValidateRepo { return &ValidateRepo{db: db} }

func (r *ValidateRepo) BeginTx(ctx context.Context) (validate.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

func asTx(tx validate.Tx) (*sql.Tx, error) {
	t, ok := tx.(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("postgres: expected *sql.Tx, got %T", tx)
	}
	return t, nil
}

func (r *ValidateRepo) PickUnprocessed(ctx context.Context, tx validate.Tx, limit int) ([]validate.Candidate, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	rows, err := t.QueryContext(ctx, `
		SELECT id, cb_crawler_id, COALESCE(company_name,''), COALESCE(email,''), company_data
		FROM raw_contacts_gb
		WHERE processed = false AND email IS NOT NULL AND email <> ''
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pick unprocessed: %w", err)
	}
	defer rows.Close()

	var out []validate.Candidate
	for rows.Next() {
		var c validate.Candidate
		var raw []byte
		if err := rows.Scan(&c.ID, &c.CbCrawlerID, &c.CompanyName, &c.Email, &raw); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &c.CompanyData); err != nil {
				return nil, fmt.Errorf("unmarshal company_data: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ValidateRepo) LookupCell(ctx context.Context, tx validate.Tx, cbCrawlerID int64) (int64, string, bool, error) {
	t, err := asTx(tx)
	if err != nil {
		return 0, "", false, err
	}
	var branchID int64
	var plz string
	err = t.QueryRowContext(ctx, `
		SELECT branch_id, COALESCE(plz,'') FROM cb_crawler WHERE id = $1
	`, cbCrawlerID).Scan(&branchID, &plz)
	if err == sql.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("lookup cell: %w", err)
	}
	return branchID, plz, true, nil
}

func (r *ValidateRepo) FindAggregateByEmail(ctx context.Context, tx validate.Tx, email string) (*validate.Aggregate, bool, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, false, err
	}
	var a validate.Aggregate
	var raw []byte
	err = t.QueryRowContext(ctx, `
		SELECT id, cb_crawler_ids, sources, branches, plz_list, address_list,
		       email, company_name, company_data, status_data
		FROM raw_contacts_aggr
		WHERE email = $1
		FOR UPDATE
	`, email).Scan(
		&a.ID, pq.Array(&a.CbCrawlerIDs), pq.Array(&a.Sources), pq.Array(&a.Branches),
		pq.Array(&a.PLZList), pq.Array(&a.AddressList), &a.Email, &a.CompanyName,
		&raw, &a.StatusData,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find aggregate: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a.CompanyData); err != nil {
			return nil, false, fmt.Errorf("unmarshal company_data: %w", err)
		}
	}
	return &a, true, nil
}

func (r *ValidateRepo) InsertAggregate(ctx context.Context, tx validate.Tx, a validate.Aggregate) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(a.CompanyData)
	if err != nil {
		return fmt.Errorf("marshal company_data: %w", err)
	}
	_, err = t.ExecContext(ctx, `
		INSERT INTO raw_contacts_aggr
			(cb_crawler_ids, sources, branches, plz_list, address_list,
			 email, company_name, company_data, status_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, pq.Array(a.CbCrawlerIDs), pq.Array(a.Sources), pq.Array(a.Branches),
		pq.Array(a.PLZList), pq.Array(a.AddressList), a.Email, a.CompanyName, raw, a.StatusData)
	if err != nil {
		return fmt.Errorf("insert aggregate: %w", err)
	}
	return nil
}

func (r *ValidateRepo) UpdateAggregate(ctx context.Context, tx validate.Tx, a validate.Aggregate) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(a.CompanyData)
	if err != nil {
		return fmt.Errorf("marshal company_data: %w", err)
	}
	_, err = t.ExecContext(ctx, `
		UPDATE raw_contacts_aggr
		SET cb_crawler_ids = $1, sources = $2, branches = $3, plz_list = $4,
		    address_list = $5, company_name = $6, company_data = $7,
		    status_data = $8, updated_at = NOW()
		WHERE email = $9
	`, pq.Array(a.CbCrawlerIDs), pq.Array(a.Sources), pq.Array(a.Branches),
		pq.Array(a.PLZList), pq.Array(a.AddressList), a.CompanyName, raw, a.StatusData, a.Email)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	return nil
}

func (r *ValidateRepo) MarkProcessed(ctx context.Context, tx validate.Tx, candidateID int64) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	_, err = t.ExecContext(ctx, `UPDATE raw_contacts_gb SET processed = true WHERE id = $1`, candidateID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// PickEnrichTaskID returns the active task owning the oldest (lowest id)
// unprocessed email-less candidate. It does not rotate between tasks: the
// same task is picked again for as long as it holds that oldest candidate.
func (r *ValidateRepo) PickEnrichTaskID(ctx context.Context, tx validate.Tx) (int64, bool, error) {
	t, err := asTx(tx)
	if err != nil {
		return 0, false, err
	}
	var taskID int64
	err = t.QueryRowContext(ctx, `
		SELECT g.task_id
		FROM raw_contacts_gb g
		JOIN aap_audience_audiencetask task ON task.id = g.task_id
		WHERE g.processed = false AND (g.email IS NULL OR g.email = '')
		  AND task.archived = false AND task.run_processing = true
		GROUP BY g.task_id
		ORDER BY MIN(g.id)
		LIMIT 1
	`).Scan(&taskID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pick enrich task: %w", err)
	}
	return taskID, true, nil
}

func (r *ValidateRepo) TaskMeta(ctx context.Context, tx validate.Tx, taskID int64) (string, string, bool, error) {
	t, err := asTx(tx)
	if err != nil {
		return "", "", false, err
	}
	var workspaceID, userID string
	err = t.QueryRowContext(ctx, `
		SELECT workspace_id, user_id FROM aap_audience_audiencetask WHERE id = $1
	`, taskID).Scan(&workspaceID, &userID)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("task meta: %w", err)
	}
	return workspaceID, userID, true, nil
}

func (r *ValidateRepo) PickEnrichCandidates(ctx context.Context, tx validate.Tx, taskID int64, limit int) ([]validate.EnrichCandidate, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	rows, err := t.QueryContext(ctx, `
		SELECT id, cb_crawler_id, COALESCE(company_name,''), company_data, branch_id
		FROM raw_contacts_gb
		WHERE task_id = $1 AND processed = false AND (email IS NULL OR email = '')
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("pick enrich candidates: %w", err)
	}
	defer rows.Close()

	var out []validate.EnrichCandidate
	for rows.Next() {
		var c validate.EnrichCandidate
		var raw []byte
		if err := rows.Scan(&c.ID, &c.CbCrawlerID, &c.CompanyName, &raw, &c.BranchID); err != nil {
			return nil, fmt.Errorf("scan enrich candidate: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &c.CompanyData); err != nil {
				return nil, fmt.Errorf("unmarshal company_data: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ValidateRepo) MarkEnrichStatus(ctx context.Context, tx validate.Tx, candidateID int64, status string) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	processed := status == validate.StatusEnriched || status == validate.StatusEnrichFailed
	_, err = t.ExecContext(ctx, `
		UPDATE raw_contacts_gb SET status_data = $1, processed = $2 WHERE id = $3
	`, status, processed, candidateID)
	if err != nil {
		return fmt.Errorf("mark enrich status: %w", err)
	}
	return nil
}
