// Package validate merges raw directory candidates into deduplicated
// contact aggregates keyed by normalized email, and runs a second,
// independent LLM enrichment pass over the result.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

// BatchSize is the number of candidate rows one RunBatch call claims.
const BatchSize = 100

// Tx is the commit/rollback boundary RunBatch needs. *sql.Tx satisfies
// it directly; tests supply a fake so RunBatch's merge logic can be
// exercised without a real database connection.
type Tx interface {
	Commit() error
	Rollback() error
}

// Candidate is one unprocessed directory row ready to aggregate.
type Candidate struct {
	ID          int64
	CbCrawlerID int64
	CompanyName string
	Email       string
	CompanyData map[string]any
}

// Aggregate is one email-keyed row in the aggregate table.
type Aggregate struct {
	ID           int64
	CbCrawlerIDs []int64
	Sources      []string
	Branches     []int64
	PLZList      []string
	AddressList  []string
	Email        string
	CompanyName  string
	CompanyData  map[string]any
	StatusData   string
}

// Repository is the DB surface RunBatch needs. All methods run inside
// the *sql.Tx handed to RunBatch, so row locks (SELECT ... FOR UPDATE
// SKIP LOCKED) are held for the lifetime of one batch the same way the
// original's single-connection transaction holds them.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)
	// PickUnprocessed claims up to limit processed=false candidates
	// with a verified email, skipping rows already locked by a
	// concurrent batch.
	PickUnprocessed(ctx context.Context, tx Tx, limit int) ([]Candidate, error)
	// LookupCell resolves a cb_crawler row's branch and postal code.
	LookupCell(ctx context.Context, tx Tx, cbCrawlerID int64) (branchID int64, plz string, ok bool, err error)
	// FindAggregateByEmail locks and returns the existing aggregate for
	// a normalized email, if any.
	FindAggregateByEmail(ctx context.Context, tx Tx, email string) (*Aggregate, bool, error)
	InsertAggregate(ctx context.Context, tx Tx, a Aggregate) error
	UpdateAggregate(ctx context.Context, tx Tx, a Aggregate) error
	MarkProcessed(ctx context.Context, tx Tx, candidateID int64) error
}

// Aggregator runs the email-dedup merge batch.
type Aggregator struct {
	repo      Repository
	batchSize int
}

func NewAggregator(repo Repository, batchSize int) *Aggregator {
	if batchSize <= 0 {
		batchSize = BatchSize
	}
	return &Aggregator{repo: repo, batchSize: batchSize}
}

// Stats summarizes one RunBatch call for logging.
type Stats struct {
	Picked  int
	Skipped int
}

// RunBatch claims up to batchSize unprocessed candidates, merges each
// into the aggregate row for its normalized email (inserting a new row
// on first sight), and marks every claimed candidate processed — all
// within one transaction, mirroring the original's single-connection
// run_batch so FOR UPDATE SKIP LOCKED visibility holds across the
// whole decision.
func (a *Aggregator) RunBatch(ctx context.Context) (Stats, error) {
	tx, err := a.repo.BeginTx(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("validate: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	candidates, err := a.repo.PickUnprocessed(ctx, tx, a.batchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("validate: pick unprocessed: %w", err)
	}

	stats := Stats{}
	for _, c := range candidates {
		emailNorm := strings.ToLower(strings.TrimSpace(c.Email))
		if emailNorm == "" {
			stats.Skipped++
			continue
		}

		branchID, cbPLZ, ok, err := a.repo.LookupCell(ctx, tx, c.CbCrawlerID)
		if err != nil {
			return Stats{}, fmt.Errorf("validate: lookup cell: %w", err)
		}
		if !ok {
			stats.Skipped++
			continue
		}

		companyData := c.CompanyData
		if companyData == nil {
			companyData = map[string]any{}
		}
		norm := buildNorm(c.CompanyName, companyData)

		plzAdd := []string{}
		if p := trim(companyData["plz"]); p != "" {
			plzAdd = append(plzAdd, p)
		}
		if cbPLZ != "" {
			plzAdd = append(plzAdd, cbPLZ)
		}
		addrAdd := []string{}
		if ad := trim(firstNonEmpty(companyData["address"], companyData["address_text"])); ad != "" {
			addrAdd = append(addrAdd, ad)
		}

		existing, found, err := a.repo.FindAggregateByEmail(ctx, tx, emailNorm)
		if err != nil {
			return Stats{}, fmt.Errorf("validate: find aggregate: %w", err)
		}

		if !found {
			data := map[string]any{"norm": norm, "gs-1": companyData}
			agg := Aggregate{
				CbCrawlerIDs: []int64{c.CbCrawlerID},
				Sources:      []string{SourceName},
				Branches:     []int64{branchID},
				PLZList:      uniq([]string{}, plzAdd),
				AddressList:  uniq([]string{}, addrAdd),
				Email:        emailNorm,
				CompanyName:  c.CompanyName,
				CompanyData:  data,
				StatusData:   calcStatus(norm),
			}
			if err := a.repo.InsertAggregate(ctx, tx, agg); err != nil {
				return Stats{}, fmt.Errorf("validate: insert aggregate: %w", err)
			}
		} else {
			data := existing.CompanyData
			if data == nil {
				data = map[string]any{}
			}
			gsKey := nextGSKey(data)
			data[gsKey] = companyData
			mergedNorm, _ := data["norm"].(map[string]any)
			data["norm"] = mergeNorm(mergedNorm, norm)

			existing.CbCrawlerIDs = uniq(existing.CbCrawlerIDs, []int64{c.CbCrawlerID})
			existing.Sources = uniq(existing.Sources, []string{SourceName})
			existing.Branches = uniq(existing.Branches, []int64{branchID})
			existing.PLZList = uniq(existing.PLZList, plzAdd)
			existing.AddressList = uniq(existing.AddressList, addrAdd)
			existing.CompanyData = data
			existing.StatusData = calcStatus(data["norm"].(map[string]any))

			if err := a.repo.UpdateAggregate(ctx, tx, *existing); err != nil {
				return Stats{}, fmt.Errorf("validate: update aggregate: %w", err)
			}
		}

		if err := a.repo.MarkProcessed(ctx, tx, c.ID); err != nil {
			return Stats{}, fmt.Errorf("validate: mark processed: %w", err)
		}
		stats.Picked++
	}

	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("validate: commit: %w", err)
	}
	committed = true

	logger.Info("validate batch committed", "picked", stats.Picked, "skipped", stats.Skipped)
	return stats, nil
}
