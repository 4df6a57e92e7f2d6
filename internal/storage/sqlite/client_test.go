package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/utils"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "intel.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleItem(source, externalID string, indicators ...string) *models.Item {
	item := &models.Item{
		ID:          utils.NaturalKey(source, externalID),
		Source:      source,
		ExternalID:  externalID,
		Title:       "Pulse " + externalID,
		Description: "Ransomware campaign targeting hospitals",
		Link:        "https://example.test/" + externalID,
		Category:    "pulse",
		ThreatLevel: models.ThreatHigh,
		Tags:        []string{"ransomware", "healthcare"},
		Keywords:    map[string][]string{"Cybersecurity": {"cyber threat"}},
		Raw:         json.RawMessage(`{"id":"` + externalID + `","nested":{"a":[1,2]}}`),
		PublishedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		CollectedAt: time.Date(2024, 3, 2, 8, 30, 15, 0, time.UTC),
	}
	for _, v := range indicators {
		item.Indicators = append(item.Indicators, models.Indicator{Type: models.IndicatorIPv4, Value: v})
	}
	item.ContentHash = utils.HashStrings(item.Title, item.Description, item.Link)
	return item
}

func TestItemRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	want := sampleItem("otx", "p-1", "10.0.0.1", "10.0.0.2")
	want.Indicators[1].Comment = "c2"

	res, err := c.UpsertItem(ctx, want)
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	got, err := c.GetItem(ctx, "otx", "p-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	byID, err := c.GetItemByID(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want, byID)
}

func TestRoundTripNilCollections(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	want := sampleItem("cisa_kev", "CVE-2024-0001")
	want.Tags = nil
	want.Keywords = nil
	want.Raw = nil
	want.Indicators = nil

	_, err := c.UpsertItem(ctx, want)
	require.NoError(t, err)

	got, err := c.GetItem(ctx, "cisa_kev", "CVE-2024-0001")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUpsertReplacesIndicatorsAndReportsChange(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	item := sampleItem("otx", "p-1", "10.0.0.1", "10.0.0.2")
	_, err := c.UpsertItem(ctx, item)
	require.NoError(t, err)

	res, err := c.UpsertItem(ctx, item)
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.False(t, res.Changed)

	item.Title = "Pulse p-1 (updated)"
	item.ContentHash = utils.HashStrings(item.Title)
	item.Indicators = item.Indicators[:1]
	res, err = c.UpsertItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	got, err := c.GetItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pulse p-1 (updated)", got.Title)
	require.Len(t, got.Indicators, 1)

	counts, err := c.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"otx": 1}, counts)
}

func TestGetItemNotFound(t *testing.T) {
	c := newTestClient(t)
	_, err := c.GetItem(context.Background(), "otx", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestContentHashLookup(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	item := sampleItem("doj", "press-1")
	_, err := c.UpsertItem(ctx, item)
	require.NoError(t, err)

	ok, err := c.HasContentHash(ctx, item.ContentHash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.HasContentHash(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	var hashes []string
	require.NoError(t, c.ContentHashes(ctx, func(h string) { hashes = append(hashes, h) }))
	assert.Equal(t, []string{item.ContentHash}, hashes)
}

func TestUpsertAssessedItemIsAtomic(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	item := sampleItem("otx", "p-9")

	a := &models.Assessment{ThreatLevel: models.ThreatHigh, IntelligenceValue: models.ThreatMedium, Method: models.MethodHeuristic}
	res, err := c.UpsertAssessedItem(ctx, item, a)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.NotZero(t, a.ID)
	assert.Equal(t, item.ID, a.ItemID)
	assert.Equal(t, item.ContentHash, a.ContentHash)

	// The item statement succeeds and the assessment is rejected; neither
	// row may survive.
	_, err = c.db.ExecContext(ctx, `CREATE TRIGGER reject_assessment BEFORE INSERT ON assessments
		BEGIN SELECT RAISE(ABORT, 'assessment rejected'); END`)
	require.NoError(t, err)

	other := sampleItem("otx", "p-10")
	_, err = c.UpsertAssessedItem(ctx, other, &models.Assessment{ThreatLevel: models.ThreatLow, Method: models.MethodHeuristic})
	require.ErrorContains(t, err, "assessment rejected")

	_, err = c.GetItem(ctx, "otx", "p-10")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := c.HasContentHash(ctx, other.ContentHash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssessmentsAndListFilter(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	high := sampleItem("otx", "p-1")
	low := sampleItem("doj", "press-1")
	low.ThreatLevel = models.ThreatUnknown
	for _, it := range []*models.Item{high, low} {
		_, err := c.UpsertItem(ctx, it)
		require.NoError(t, err)
	}

	_, err := c.InsertAssessment(ctx, &models.Assessment{
		ItemID: low.ID, ThreatLevel: models.ThreatLow, IntelligenceValue: models.ThreatLow,
		Method: models.MethodHeuristic, CreatedAt: time.Unix(1700000000, 0),
	})
	require.NoError(t, err)
	id, err := c.InsertAssessment(ctx, &models.Assessment{
		ItemID: low.ID, ThreatLevel: models.ThreatCritical, IntelligenceValue: models.ThreatHigh,
		Relevance: 9, Rationale: "named terror plot", Method: models.MethodLLM, Degraded: false,
		Model: "gpt-test", ContentHash: low.ContentHash, CreatedAt: time.Unix(1700000100, 0),
	})
	require.NoError(t, err)

	latest, err := c.LatestAssessment(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)
	assert.Equal(t, models.ThreatCritical, latest.ThreatLevel)
	assert.Equal(t, "gpt-test", latest.Model)

	all, err := c.ListItems(ctx, models.ItemFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	critical, err := c.ListItems(ctx, models.ItemFilter{MinThreatLevel: models.ThreatCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, low.ID, critical[0].Item.ID)
	assert.Equal(t, models.MethodLLM, critical[0].Assessment.Method)

	bySource, err := c.ListItems(ctx, models.ItemFilter{Source: "otx"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Zero(t, bySource[0].Assessment.ID)

	text, err := c.ListItems(ctx, models.ItemFilter{Text: "100%_"})
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestFeedStatusCounting(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0).UTC()

	require.NoError(t, c.RecordFeedRun(ctx, "otx", models.FeedFailed, 0, false, errors.New("status 503"), t0))
	require.NoError(t, c.RecordFeedRun(ctx, "otx", models.FeedFailed, 0, false, errors.New("status 503"), t0.Add(time.Minute)))

	fs, err := c.GetFeedStatus(ctx, "otx")
	require.NoError(t, err)
	assert.Equal(t, 2, fs.ErrorCount)
	assert.Equal(t, "status 503", fs.LastError)
	assert.True(t, fs.LastSuccess.IsZero())

	require.NoError(t, c.RecordFeedRun(ctx, "otx", models.FeedSkipped, 0, false, nil, t0.Add(2*time.Minute)))
	fs, err = c.GetFeedStatus(ctx, "otx")
	require.NoError(t, err)
	assert.Equal(t, 2, fs.ErrorCount)

	require.NoError(t, c.RecordFeedRun(ctx, "otx", models.FeedOK, 12, true, nil, t0.Add(3*time.Minute)))
	fs, err = c.GetFeedStatus(ctx, "otx")
	require.NoError(t, err)
	assert.Equal(t, 0, fs.ErrorCount)
	assert.Equal(t, 12, fs.ItemsFetched)
	assert.True(t, fs.LastSuccess.Equal(t0.Add(3*time.Minute)))

	list, err := c.ListFeedStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFeedStatusKeepsCursorOnIncompleteRun(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0).UTC()

	require.NoError(t, c.RecordFeedRun(ctx, "nvd", models.FeedOK, 5, true, nil, t0))
	require.NoError(t, c.RecordFeedRun(ctx, "nvd", models.FeedDegraded, 40, false, context.Canceled, t0.Add(time.Hour)))

	fs, err := c.GetFeedStatus(ctx, "nvd")
	require.NoError(t, err)
	assert.Equal(t, models.FeedDegraded, fs.Status)
	assert.Equal(t, 40, fs.ItemsFetched)
	assert.True(t, fs.LastSuccess.Equal(t0), "cursor moved to %s", fs.LastSuccess)

	require.NoError(t, c.RecordFeedRun(ctx, "nvd", models.FeedDegraded, 40, true, nil, t0.Add(2*time.Hour)))
	fs, err = c.GetFeedStatus(ctx, "nvd")
	require.NoError(t, err)
	assert.True(t, fs.LastSuccess.Equal(t0.Add(2*time.Hour)))
}

func TestSharedIndicators(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	a := sampleItem("otx", "p-1", "10.0.0.1", "evil.example")
	b := sampleItem("misp", "e-9", "10.0.0.1", "EVIL.example")
	d := sampleItem("misp", "e-10", "10.0.0.1")
	e := sampleItem("nvd", "CVE-1", "192.168.1.1")
	for _, it := range []*models.Item{a, b, d, e} {
		_, err := c.UpsertItem(ctx, it)
		require.NoError(t, err)
	}

	corr, err := c.SharedIndicators(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, corr, 2)
	assert.Equal(t, b.ID, corr[0].ItemID)
	assert.Equal(t, float64(2), corr[0].Score)
	assert.Equal(t, []string{"10.0.0.1", "EVIL.example"}, corr[0].Shared)
	assert.Equal(t, d.ID, corr[1].ItemID)
	assert.Equal(t, models.CorrelationSharedIndicator, corr[1].Reason)
}

func TestReports(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.LatestReport(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	first := &models.Report{ID: "r1", StartedAt: time.Unix(1700000000, 0).UTC(), FinishedAt: time.Unix(1700000060, 0).UTC()}
	second := &models.Report{ID: "r2", StartedAt: time.Unix(1700003600, 0).UTC(), Degraded: true,
		ThreatSummary: map[models.ThreatLevel]int{models.ThreatHigh: 3}}
	require.NoError(t, c.InsertReport(ctx, first))
	require.NoError(t, c.InsertReport(ctx, second))

	latest, err := c.LatestReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.ID)
	assert.True(t, latest.Degraded)
	assert.Equal(t, 3, latest.ThreatSummary[models.ThreatHigh])

	got, err := c.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.FinishedAt.Equal(first.FinishedAt))
}
