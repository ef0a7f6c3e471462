package validate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/leadgen-engine/internal/oracle"
)

// fakeEnrichRepo extends fakeRepo with the enrichment-specific surface.
type fakeEnrichRepo struct {
	*fakeRepo
	taskID       int64
	taskOK       bool
	workspaceID  string
	userID       string
	taskMetaOK   bool
	enrichCands  []EnrichCandidate
	statusByID   map[int64]string
}

func newFakeEnrichRepo() *fakeEnrichRepo {
	return &fakeEnrichRepo{
		fakeRepo:   newFakeRepo(),
		statusByID: map[int64]string{},
	}
}

func (f *fakeEnrichRepo) PickEnrichTaskID(ctx context.Context, tx Tx) (int64, bool, error) {
	return f.taskID, f.taskOK, nil
}

func (f *fakeEnrichRepo) TaskMeta(ctx context.Context, tx Tx, taskID int64) (string, string, bool, error) {
	return f.workspaceID, f.userID, f.taskMetaOK, nil
}

func (f *fakeEnrichRepo) PickEnrichCandidates(ctx context.Context, tx Tx, taskID int64, limit int) ([]EnrichCandidate, error) {
	if len(f.enrichCands) > limit {
		return f.enrichCands[:limit], nil
	}
	return f.enrichCands, nil
}

func (f *fakeEnrichRepo) MarkEnrichStatus(ctx context.Context, tx Tx, candidateID int64, status string) error {
	f.statusByID[candidateID] = status
	return nil
}

// fakeOracle is a canned oracle.Oracle double.
type fakeOracle struct {
	resp oracle.Response
	err  error
}

func (f *fakeOracle) Ask(ctx context.Context, req oracle.Request) (oracle.Response, error) {
	return f.resp, f.err
}

func envelopeJSON(t *testing.T, results ...gptLookupResult) string {
	t.Helper()
	b, err := json.Marshal(gptLookupEnvelope{Items: results})
	require.NoError(t, err)
	return string(b)
}

func baseTask(repo *fakeEnrichRepo) {
	repo.taskID = 1
	repo.taskOK = true
	repo.workspaceID = "ws-1"
	repo.userID = "user-1"
	repo.taskMetaOK = true
}

func TestEnricherHappyPathMergesGPTShard(t *testing.T) {
	repo := newFakeEnrichRepo()
	baseTask(repo)
	repo.enrichCands = []EnrichCandidate{
		{ID: 10, CbCrawlerID: 100, CompanyName: "ACME", BranchID: 1,
			CompanyData: map[string]any{"source_url": "http://a.example", "plz": "10115"}},
	}

	body := envelopeJSON(t, gptLookupResult{
		ID: 10, PLZ: "10115", Website: "acme.de", Description: "a shop",
		Emails: []any{"a@x.de"},
	})
	llm := &fakeOracle{resp: oracle.Response{Content: body}}

	enricher := NewEnricher(repo, llm, "system prompt")
	stats, err := enricher.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Enriched)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, stats.Error)
	assert.Equal(t, StatusEnriched, repo.statusByID[10])

	agg := repo.aggregates["a@x.de"]
	require.NotNil(t, agg)
	assert.Contains(t, agg.CompanyData, "gs-1")
	assert.Contains(t, agg.CompanyData, "gpt-1")
	assert.ElementsMatch(t, []string{SourceName, "GPT"}, agg.Sources)
}

func TestEnricherPLZMismatchMarksError(t *testing.T) {
	repo := newFakeEnrichRepo()
	baseTask(repo)
	repo.enrichCands = []EnrichCandidate{
		{ID: 11, CbCrawlerID: 101, CompanyName: "Orphan", BranchID: 1,
			CompanyData: map[string]any{"source_url": "http://b.example", "plz": "10115"}},
	}

	body := envelopeJSON(t, gptLookupResult{ID: 11, PLZ: "99999", Emails: []any{"b@x.de"}})
	llm := &fakeOracle{resp: oracle.Response{Content: body}}

	enricher := NewEnricher(repo, llm, "system prompt")
	stats, err := enricher.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Error)
	assert.Equal(t, StatusEnrichError, repo.statusByID[11])
	assert.Nil(t, repo.aggregates["b@x.de"])
}

func TestEnricherMissingSourceURLPreErrors(t *testing.T) {
	repo := newFakeEnrichRepo()
	baseTask(repo)
	repo.enrichCands = []EnrichCandidate{
		{ID: 12, CbCrawlerID: 102, CompanyName: "NoURL", BranchID: 1,
			CompanyData: map[string]any{"plz": "10115"}},
	}

	llm := &fakeOracle{resp: oracle.Response{Content: envelopeJSON(t)}}

	enricher := NewEnricher(repo, llm, "system prompt")
	stats, err := enricher.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Error)
	assert.Equal(t, StatusEnrichError, repo.statusByID[12])
}

func TestEnricherOracleFailureMarksAllError(t *testing.T) {
	repo := newFakeEnrichRepo()
	baseTask(repo)
	repo.enrichCands = []EnrichCandidate{
		{ID: 13, CbCrawlerID: 103, CompanyName: "A", BranchID: 1,
			CompanyData: map[string]any{"source_url": "http://c.example", "plz": "10115"}},
		{ID: 14, CbCrawlerID: 104, CompanyName: "B", BranchID: 1,
			CompanyData: map[string]any{"source_url": "http://d.example", "plz": "10116"}},
	}

	llm := &fakeOracle{err: errors.New("boom")}

	enricher := NewEnricher(repo, llm, "system prompt")
	stats, err := enricher.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Error)
	assert.Equal(t, StatusEnrichError, repo.statusByID[13])
	assert.Equal(t, StatusEnrichError, repo.statusByID[14])
}

func TestEnricherMalformedJSONMarksAllError(t *testing.T) {
	repo := newFakeEnrichRepo()
	baseTask(repo)
	repo.enrichCands = []EnrichCandidate{
		{ID: 15, CbCrawlerID: 105, CompanyName: "A", BranchID: 1,
			CompanyData: map[string]any{"source_url": "http://e.example", "plz": "10115"}},
	}

	llm := &fakeOracle{resp: oracle.Response{Content: "not json"}}

	enricher := NewEnricher(repo, llm, "system prompt")
	stats, err := enricher.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Error)
	assert.Equal(t, StatusEnrichError, repo.statusByID[15])
}

func TestEnricherMultiEmailHitMergesIntoMultipleAggregates(t *testing.T) {
	repo := newFakeEnrichRepo()
	baseTask(repo)
	repo.enrichCands = []EnrichCandidate{
		{ID: 16, CbCrawlerID: 106, CompanyName: "Multi", BranchID: 2,
			CompanyData: map[string]any{"source_url": "http://f.example", "plz": "10119"}},
	}

	body := envelopeJSON(t, gptLookupResult{
		ID: 16, PLZ: "10119", Website: "multi.de",
		Emails: []any{"one@x.de", "two@x.de"},
	})
	llm := &fakeOracle{resp: oracle.Response{Content: body}}

	enricher := NewEnricher(repo, llm, "system prompt")
	stats, err := enricher.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Enriched)
	assert.NotNil(t, repo.aggregates["one@x.de"])
	assert.NotNil(t, repo.aggregates["two@x.de"])
}

func TestEnricherNoActiveTaskIsNoop(t *testing.T) {
	repo := newFakeEnrichRepo()
	repo.taskOK = false

	llm := &fakeOracle{}
	enricher := NewEnricher(repo, llm, "system prompt")
	stats, err := enricher.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EnrichStats{}, stats)
}
