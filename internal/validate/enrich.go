package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignite/leadgen-engine/internal/oracle"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

// EnrichBatchSize is the number of email-less candidates one enrichment
// call sends to the oracle per task.
const EnrichBatchSize = 7

// Status values this second pass writes to a candidate, distinct from
// the aggregator's status_data values above.
const (
	StatusEnriched      = "ENRICHED"
	StatusEnrichFailed  = "ENRICH FAILED"
	StatusEnrichError   = "ENRICH ERROR"
)

// EnrichCandidate is a queued, email-less directory row eligible for
// LLM lookup.
type EnrichCandidate struct {
	ID          int64
	CbCrawlerID int64
	CompanyName string
	CompanyData map[string]any
	BranchID    int64
}

// EnrichRepository is the DB surface the enrichment pass needs, on top
// of the aggregate read/write methods it shares with Repository.
type EnrichRepository interface {
	Repository
	// PickEnrichTaskID resolves which active task's queue to drain next
	// (the selection policy lives in the implementation's SQL query).
	PickEnrichTaskID(ctx context.Context, tx Tx) (taskID int64, ok bool, err error)
	TaskMeta(ctx context.Context, tx Tx, taskID int64) (workspaceID, userID string, ok bool, err error)
	PickEnrichCandidates(ctx context.Context, tx Tx, taskID int64, limit int) ([]EnrichCandidate, error)
	MarkEnrichStatus(ctx context.Context, tx Tx, candidateID int64, status string) error
}

// Enricher runs the second, oracle-backed enrichment pass: it asks an
// LLM to look up website/email/description for candidates whose
// directory listing had no usable email, validates the answer against
// the candidate's own postal code, and folds hits into the same
// aggregate rows the Aggregator produces.
type Enricher struct {
	repo         EnrichRepository
	llm          oracle.Oracle
	systemPrompt string
	batchSize    int
}

// NewEnricher builds an Enricher. systemPrompt is the instruction text
// sent ahead of each batch; unlike the original, this is injected as
// static config rather than fetched through a prompt-translation cache,
// since UI-language prompt translation is a separate concern this
// engine's scope does not cover.
func NewEnricher(repo EnrichRepository, llm oracle.Oracle, systemPrompt string) *Enricher {
	return &Enricher{repo: repo, llm: llm, systemPrompt: systemPrompt, batchSize: EnrichBatchSize}
}

type gptLookupItem struct {
	ID        int64  `json:"id"`
	SourceURL string `json:"source_url"`
}

type gptLookupResult struct {
	ID          int64  `json:"id"`
	PLZ         string `json:"plz"`
	Website     string `json:"website"`
	Description string `json:"description"`
	Emails      any    `json:"emails"`
	Phones      any    `json:"phones"`
	Sources     any    `json:"sources"`
}

type gptLookupEnvelope struct {
	Items []gptLookupResult `json:"items"`
}

func extractSourceURL(companyData map[string]any) string {
	if u := trim(companyData["source_url"]); u != "" {
		return u
	}
	urls := toAnyList(companyData["source_urls"])
	if len(urls) > 0 {
		return trim(urls[0])
	}
	return ""
}

// EnrichStats summarizes one RunBatch call for logging.
type EnrichStats struct {
	Enriched int
	Failed   int
	Error    int
}

// RunBatch picks one active task's next batch of email-less candidates,
// asks the oracle to look each one up by its source URL, validates the
// answer's postal code against the candidate's own, and on a usable
// email merges the result into the aggregate the same way the
// Aggregator does — under its own shard key (gpt-N) rather than gs-N.
func (e *Enricher) RunBatch(ctx context.Context) (EnrichStats, error) {
	tx, err := e.repo.BeginTx(ctx)
	if err != nil {
		return EnrichStats{}, fmt.Errorf("validate: enrich begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	taskID, ok, err := e.repo.PickEnrichTaskID(ctx, tx)
	if err != nil {
		return EnrichStats{}, fmt.Errorf("validate: pick enrich task: %w", err)
	}
	if !ok {
		_ = tx.Commit()
		committed = true
		return EnrichStats{}, nil
	}

	workspaceID, userID, ok, err := e.repo.TaskMeta(ctx, tx, taskID)
	if err != nil {
		return EnrichStats{}, fmt.Errorf("validate: task meta: %w", err)
	}
	if !ok {
		_ = tx.Commit()
		committed = true
		return EnrichStats{}, nil
	}

	candidates, err := e.repo.PickEnrichCandidates(ctx, tx, taskID, e.batchSize)
	if err != nil {
		return EnrichStats{}, fmt.Errorf("validate: pick enrich candidates: %w", err)
	}
	if len(candidates) == 0 {
		_ = tx.Commit()
		committed = true
		return EnrichStats{}, nil
	}

	byID := make(map[int64]EnrichCandidate, len(candidates))
	items := make([]gptLookupItem, 0, len(candidates))
	stats := EnrichStats{}

	for _, c := range candidates {
		byID[c.ID] = c
		sourceURL := extractSourceURL(c.CompanyData)
		if sourceURL == "" {
			stats.Error++
			if err := e.repo.MarkEnrichStatus(ctx, tx, c.ID, StatusEnrichError); err != nil {
				return EnrichStats{}, fmt.Errorf("validate: mark error: %w", err)
			}
			continue
		}
		items = append(items, gptLookupItem{ID: c.ID, SourceURL: sourceURL})
	}

	if len(items) == 0 {
		if err := tx.Commit(); err != nil {
			return EnrichStats{}, fmt.Errorf("validate: commit: %w", err)
		}
		committed = true
		return stats, nil
	}

	payload, err := json.Marshal(map[string]any{"items": items})
	if err != nil {
		return EnrichStats{}, fmt.Errorf("validate: marshal gpt payload: %w", err)
	}

	resp, err := e.llm.Ask(ctx, oracle.Request{
		Tier:        "maxi-51",
		WithWeb:     true,
		WorkspaceID: workspaceID,
		UserID:      userID,
		System:      e.systemPrompt,
		User:        string(payload),
		Endpoint:    "val_enrich",
		UseCache:    false,
	})
	if err != nil {
		logger.Warn("enrich oracle call failed", "task_id", taskID, "error", err.Error())
		for _, it := range items {
			stats.Error++
			if mErr := e.repo.MarkEnrichStatus(ctx, tx, it.ID, StatusEnrichError); mErr != nil {
				return EnrichStats{}, fmt.Errorf("validate: mark error: %w", mErr)
			}
		}
		if cErr := tx.Commit(); cErr != nil {
			return EnrichStats{}, fmt.Errorf("validate: commit: %w", cErr)
		}
		committed = true
		return stats, nil
	}

	var envelope gptLookupEnvelope
	if jsonErr := json.Unmarshal([]byte(resp.Content), &envelope); jsonErr != nil {
		for _, it := range items {
			stats.Error++
			if mErr := e.repo.MarkEnrichStatus(ctx, tx, it.ID, StatusEnrichError); mErr != nil {
				return EnrichStats{}, fmt.Errorf("validate: mark error: %w", mErr)
			}
		}
		if cErr := tx.Commit(); cErr != nil {
			return EnrichStats{}, fmt.Errorf("validate: commit: %w", cErr)
		}
		committed = true
		return stats, nil
	}

	byResultID := make(map[int64]gptLookupResult, len(envelope.Items))
	for _, r := range envelope.Items {
		byResultID[r.ID] = r
	}

	for _, it := range items {
		cand := byID[it.ID]
		expectedPLZ := trim(cand.CompanyData["plz"])

		result, ok := byResultID[it.ID]
		if !ok {
			stats.Error++
			if err := e.repo.MarkEnrichStatus(ctx, tx, it.ID, StatusEnrichError); err != nil {
				return EnrichStats{}, fmt.Errorf("validate: mark error: %w", err)
			}
			continue
		}

		gotPLZ := trim(result.PLZ)
		if expectedPLZ == "" || gotPLZ == "" || expectedPLZ != gotPLZ {
			stats.Error++
			if err := e.repo.MarkEnrichStatus(ctx, tx, it.ID, StatusEnrichError); err != nil {
				return EnrichStats{}, fmt.Errorf("validate: mark error: %w", err)
			}
			continue
		}

		emails := toStringList(result.Emails)
		lowered := make([]string, 0, len(emails))
		for _, em := range emails {
			lowered = append(lowered, strings.ToLower(em))
		}
		emails = uniqStrings(lowered)
		if len(emails) == 0 {
			stats.Failed++
			if err := e.repo.MarkEnrichStatus(ctx, tx, it.ID, StatusEnrichFailed); err != nil {
				return EnrichStats{}, fmt.Errorf("validate: mark failed: %w", err)
			}
			continue
		}

		if err := e.mergeHit(ctx, tx, cand, result, emails); err != nil {
			return EnrichStats{}, err
		}
		stats.Enriched++
		if err := e.repo.MarkEnrichStatus(ctx, tx, it.ID, StatusEnriched); err != nil {
			return EnrichStats{}, fmt.Errorf("validate: mark enriched: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return EnrichStats{}, fmt.Errorf("validate: commit: %w", err)
	}
	committed = true

	logger.Info("enrich batch committed", "task_id", taskID,
		"enriched", stats.Enriched, "failed", stats.Failed, "error", stats.Error)
	return stats, nil
}

func uniqStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// mergeHit folds one validated GPT lookup result into the aggregate row
// for each of its returned emails, the same insert-or-merge shape
// RunBatch uses but shelving the GPT payload under a gpt-N key.
func (e *Enricher) mergeHit(ctx context.Context, tx Tx, cand EnrichCandidate, result gptLookupResult, emails []string) error {
	phones := toStringList(result.Phones)
	sources := toStringList(result.Sources)

	var emailField any
	if len(emails) > 1 {
		anyEmails := make([]any, len(emails))
		for i, em := range emails {
			anyEmails[i] = em
		}
		emailField = anyEmails
	} else {
		emailField = emails[0]
	}

	gptSrc := map[string]any{
		"plz":         result.PLZ,
		"website":     trim(result.Website),
		"phone":       toAnySlice(phones),
		"email":       emailField,
		"description": trim(result.Description),
	}
	if len(sources) > 0 {
		gptSrc["source_url"] = sources[0]
	}

	normGS := buildNorm(cand.CompanyName, cand.CompanyData)
	normGPT := buildNorm(cand.CompanyName, gptSrc)
	norm := mergeNorm(normGS, normGPT)

	rawResult := map[string]any{
		"id":          result.ID,
		"plz":         result.PLZ,
		"website":     result.Website,
		"description": result.Description,
		"emails":      result.Emails,
		"phones":      result.Phones,
		"sources":     result.Sources,
	}

	plzAdd := []string{}
	if p := trim(cand.CompanyData["plz"]); p != "" {
		plzAdd = append(plzAdd, p)
	}
	addrAdd := []string{}
	if ad := trim(firstNonEmpty(cand.CompanyData["address"], cand.CompanyData["address_text"])); ad != "" {
		addrAdd = append(addrAdd, ad)
	}

	for _, emailNorm := range emails {
		existing, found, err := e.repo.FindAggregateByEmail(ctx, tx, emailNorm)
		if err != nil {
			return fmt.Errorf("validate: enrich find aggregate: %w", err)
		}

		if !found {
			data := map[string]any{"norm": norm, "gs-1": cand.CompanyData, "gpt-1": rawResult}
			agg := Aggregate{
				CbCrawlerIDs: []int64{cand.CbCrawlerID},
				Sources:      uniq([]string{}, []string{SourceName, "GPT"}),
				Branches:     []int64{cand.BranchID},
				PLZList:      uniq([]string{}, plzAdd),
				AddressList:  uniq([]string{}, addrAdd),
				Email:        emailNorm,
				CompanyName:  cand.CompanyName,
				CompanyData:  data,
				StatusData:   calcStatus(norm),
			}
			if err := e.repo.InsertAggregate(ctx, tx, agg); err != nil {
				return fmt.Errorf("validate: enrich insert aggregate: %w", err)
			}
			continue
		}

		data := existing.CompanyData
		if data == nil {
			data = map[string]any{}
		}
		data[nextGSKey(data)] = cand.CompanyData
		data[nextNamedKey(data, "gpt")] = rawResult

		mergedNorm, _ := data["norm"].(map[string]any)
		data["norm"] = mergeNorm(mergedNorm, norm)

		existing.CbCrawlerIDs = uniq(existing.CbCrawlerIDs, []int64{cand.CbCrawlerID})
		existing.Sources = uniq(existing.Sources, []string{SourceName, "GPT"})
		existing.Branches = uniq(existing.Branches, []int64{cand.BranchID})
		existing.PLZList = uniq(existing.PLZList, plzAdd)
		existing.AddressList = uniq(existing.AddressList, addrAdd)
		existing.CompanyData = data
		existing.StatusData = calcStatus(data["norm"].(map[string]any))

		if err := e.repo.UpdateAggregate(ctx, tx, *existing); err != nil {
			return fmt.Errorf("validate: enrich update aggregate: %w", err)
		}
	}

	return nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
