package query

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/keywords"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/storage/sqlite"
	"github.com/intelpipe/backend/pkg/utils"
)

type fakeSemantic struct {
	hits []models.Correlation
	err  error
}

func (f *fakeSemantic) SearchText(context.Context, string, int) ([]models.Correlation, error) {
	return f.hits, f.err
}

func seed(t *testing.T) (*sqlite.Client, map[string]string) {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "intel.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	ids := map[string]string{}
	for i, row := range []struct {
		key, source, title string
		level              models.ThreatLevel
	}{
		{"a", "otx", "Ransomware hits regional hospital", models.ThreatHigh},
		{"b", "otx", "Phishing kit sold on forum", models.ThreatLow},
		{"c", "doj", "Botnet operator charged", models.ThreatCritical},
	} {
		item := &models.Item{
			ID:          utils.NaturalKey(row.source, row.key),
			Source:      row.source,
			ExternalID:  row.key,
			Title:       row.title,
			Raw:         []byte(`{"k":1}`),
			PublishedAt: time.Date(2024, 5, i+1, 0, 0, 0, 0, time.UTC),
			CollectedAt: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		}
		item.ContentHash = utils.HashStrings(item.Title)
		_, err := db.UpsertItem(ctx, item)
		require.NoError(t, err)
		_, err = db.InsertAssessment(ctx, &models.Assessment{ItemID: item.ID, ThreatLevel: row.level, Method: models.MethodHeuristic})
		require.NoError(t, err)
		ids[row.key] = item.ID
	}
	return db, ids
}

func TestSearchFusesTextAndSemanticHits(t *testing.T) {
	db, ids := seed(t)
	sem := &fakeSemantic{hits: []models.Correlation{
		{ItemID: "gone", Source: "otx", Score: 0.95},
		{ItemID: ids["b"], Source: "otx", Score: 0.9},
		{ItemID: ids["a"], Source: "otx", Score: 0.8},
	}}
	e := NewEngine(db, sem, keywords.NewMatcher(keywords.Default()))

	resp, err := e.Search(context.Background(), Request{Query: " ransomware "})
	require.NoError(t, err)

	assert.Equal(t, "ransomware", resp.Query)
	assert.True(t, resp.Semantic)
	require.Len(t, resp.Results, 2)

	top := resp.Results[0]
	assert.Equal(t, ids["a"], top.Item.ID)
	assert.Equal(t, []string{MatchText, MatchSemantic}, top.MatchedBy)
	assert.InDelta(t, 1.8, top.Score, 1e-9)
	assert.Equal(t, models.ThreatHigh.Priority(), top.Priority)
	assert.Nil(t, top.Item.Raw)

	second := resp.Results[1]
	assert.Equal(t, ids["b"], second.Item.ID)
	assert.Equal(t, []string{MatchSemantic}, second.MatchedBy)
	assert.Equal(t, models.ThreatLow, second.Assessment.ThreatLevel)
}

func TestSearchAppliesFiltersToSemanticHits(t *testing.T) {
	db, ids := seed(t)
	sem := &fakeSemantic{hits: []models.Correlation{
		{ItemID: ids["b"], Source: "otx", Score: 0.9},
		{ItemID: ids["c"], Source: "doj", Score: 0.85},
	}}
	e := NewEngine(db, sem, nil)

	resp, err := e.Search(context.Background(), Request{Query: "campaign", MinLevel: models.ThreatHigh})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, ids["c"], resp.Results[0].Item.ID)

	resp, err = e.Search(context.Background(), Request{Query: "campaign", Source: "otx"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, ids["b"], resp.Results[0].Item.ID)
}

func TestSearchFallsBackToTextWhenSemanticFails(t *testing.T) {
	db, ids := seed(t)
	e := NewEngine(db, &fakeSemantic{err: errors.New("milvus down")}, nil)

	resp, err := e.Search(context.Background(), Request{Query: "botnet"})
	require.NoError(t, err)
	assert.False(t, resp.Semantic)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, ids["c"], resp.Results[0].Item.ID)
}

func TestSearchRequiresQuery(t *testing.T) {
	db, _ := seed(t)
	_, err := NewEngine(db, nil, nil).Search(context.Background(), Request{Query: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}
