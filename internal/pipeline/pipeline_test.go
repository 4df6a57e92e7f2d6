package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/classify"
	"github.com/intelpipe/backend/internal/keywords"
	"github.com/intelpipe/backend/internal/sources"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/storage/sqlite"
	"github.com/intelpipe/backend/pkg/utils"
)

type stubSource struct {
	name  string
	items []*models.Item
	err   error
	panic bool
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(context.Context, sources.Cursor) ([]*models.Item, error) {
	if s.panic {
		panic("adapter bug")
	}
	// Fresh copies so repeated runs see the same input.
	out := make([]*models.Item, 0, len(s.items))
	for _, it := range s.items {
		cp := *it
		out = append(out, &cp)
	}
	return out, s.err
}

type recorder struct {
	mu        sync.Mutex
	indexed   []string
	broadcast []string
	notified  []string
}

func (r *recorder) Index(_ context.Context, item *models.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, item.ID)
	return nil
}

func (r *recorder) BroadcastItem(e models.AssessedItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, e.Item.ID)
}

func (r *recorder) Notify(_ context.Context, e models.AssessedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, e.Item.ID)
	return nil
}

type stubEnricher struct{ calls int }

func (s *stubEnricher) Enabled() bool { return true }

func (s *stubEnricher) Enrich(_ context.Context, item *models.Item) []*sources.Enrichment {
	s.calls++
	item.Indicators[0].Comment = "virustotal: malicious"
	return []*sources.Enrichment{{Indicator: item.Indicators[0], Verdict: sources.VerdictMalicious}}
}

type failingClassifier struct{}

func (failingClassifier) Classify(_ context.Context, item *models.Item) models.Assessment {
	return models.Assessment{ItemID: item.ID, ThreatLevel: models.ThreatUnknown, IntelligenceValue: models.ThreatLow, Method: models.MethodSentinel, Degraded: true}
}

func newStore(t *testing.T) *sqlite.Client {
	t.Helper()
	c, err := sqlite.NewClient(filepath.Join(t.TempDir(), "intel.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func item(source, id, title string, level models.ThreatLevel, iocs ...string) *models.Item {
	it := &models.Item{
		ID:          utils.NaturalKey(source, id),
		Source:      source,
		ExternalID:  id,
		Title:       title,
		Description: "details for " + id,
		Link:        "https://example.test/" + id,
		ThreatLevel: level,
	}
	for _, v := range iocs {
		it.Indicators = append(it.Indicators, models.Indicator{Type: models.IndicatorIPv4, Value: v})
	}
	it.ContentHash = utils.HashStrings(it.Title, it.Description, it.Link)
	return it
}

func TestRunStoresClassifiesAndFansOut(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	enricher := &stubEnricher{}
	p := New(Config{}, store, classify.NewHeuristic(), keywords.NewMatcher(keywords.Default()),
		WithIndexer(rec), WithBroadcaster(rec), WithNotifier(rec), WithEnricher(enricher))

	src := &stubSource{name: "otx", items: []*models.Item{
		item("otx", "p1", "Ransomware crew hits hospital", models.ThreatHigh, "198.51.100.7"),
		item("otx", "p2", "Quarterly newsletter", models.ThreatUnknown),
	}}

	out := p.Run(context.Background(), src, sources.Cursor{})
	assert.Equal(t, models.FeedOK, out.Result.Status)
	assert.Equal(t, 2, out.Result.Fetched)
	assert.Equal(t, 2, out.Result.Stored)
	require.Len(t, out.Items, 2)

	first := out.Items[0]
	assert.Equal(t, []string{"ransomware"}, first.Item.Keywords["Cyber_Threat"])
	assert.Equal(t, models.ThreatHigh, first.Assessment.ThreatLevel)
	assert.NotZero(t, first.Assessment.ID)
	assert.Equal(t, 1, enricher.calls)

	stored, err := store.GetItem(context.Background(), "otx", "p1")
	require.NoError(t, err)
	assert.Equal(t, "virustotal: malicious", stored.Indicators[0].Comment)

	latest, err := store.LatestAssessment(context.Background(), first.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MethodHeuristic, latest.Method)

	assert.Len(t, rec.indexed, 2)
	assert.Len(t, rec.broadcast, 2)
	assert.Len(t, rec.notified, 2)

	fs, err := store.GetFeedStatus(context.Background(), "otx")
	require.NoError(t, err)
	assert.Equal(t, models.FeedOK, fs.Status)
	assert.Equal(t, 2, fs.ItemsFetched)
}

func TestRunSkipsDuplicateContent(t *testing.T) {
	store := newStore(t)
	p := New(Config{}, store, classify.NewHeuristic(), nil)
	src := &stubSource{name: "cisa_kev", items: []*models.Item{item("cisa_kev", "CVE-2024-1", "Known exploited", models.ThreatCritical)}}

	first := p.Run(context.Background(), src, sources.Cursor{})
	assert.Equal(t, 1, first.Result.Stored)

	second := p.Run(context.Background(), src, sources.Cursor{})
	assert.Equal(t, 0, second.Result.Stored)
	assert.Equal(t, 1, second.Result.Duplicates)

	// A fresh pipeline over the same store learns the hash from Warm.
	p2 := New(Config{}, store, classify.NewHeuristic(), nil)
	require.NoError(t, p2.Warm(context.Background()))
	third := p2.Run(context.Background(), src, sources.Cursor{})
	assert.Equal(t, 1, third.Result.Duplicates)
}

func TestRunAppliesSourceThreshold(t *testing.T) {
	store := newStore(t)
	p := New(Config{MinLevels: map[string]models.ThreatLevel{"doj": models.ThreatMedium}},
		store, classify.NewHeuristic(), keywords.NewMatcher(keywords.Default()))

	src := &stubSource{name: "doj", items: []*models.Item{
		item("doj", "r1", "Extremist charged with material support to terrorist group", models.ThreatUnknown),
		item("doj", "r2", "Antitrust settlement announced", models.ThreatUnknown),
	}}
	out := p.Run(context.Background(), src, sources.Cursor{})
	assert.Equal(t, 1, out.Result.Stored)
	assert.Equal(t, 1, out.Result.Filtered)
	assert.Equal(t, "r1", out.Items[0].Item.ExternalID)
}

func TestRunKeepsDegradedItemsBelowThreshold(t *testing.T) {
	store := newStore(t)
	p := New(Config{MinLevels: map[string]models.ThreatLevel{"doj": models.ThreatHigh}}, store, failingClassifier{}, nil)

	out := p.Run(context.Background(), &stubSource{name: "doj", items: []*models.Item{item("doj", "r1", "x", models.ThreatUnknown)}}, sources.Cursor{})
	assert.Equal(t, 1, out.Result.Stored)
	assert.Equal(t, models.FeedDegraded, out.Result.Status)
	assert.True(t, out.Items[0].Assessment.Degraded)
}

func TestRunRecordsFailures(t *testing.T) {
	store := newStore(t)
	p := New(Config{}, store, classify.NewHeuristic(), nil)
	ctx := context.Background()

	failed := p.Run(ctx, &stubSource{name: "nvd", items: []*models.Item{}, err: &sources.StatusError{Source: "nvd", StatusCode: 503}}, sources.Cursor{})
	assert.Equal(t, models.FeedFailed, failed.Result.Status)
	assert.Contains(t, failed.Result.Error, "503")

	skipped := p.Run(ctx, &stubSource{name: "misp", items: []*models.Item{}, err: errors.Join(sources.ErrMissingCredentials)}, sources.Cursor{})
	assert.Equal(t, models.FeedSkipped, skipped.Result.Status)

	partial := p.Run(ctx, &stubSource{
		name:  "doj",
		items: []*models.Item{item("doj", "a", "partial", models.ThreatLow)},
		err:   errors.New("speech feed: timeout"),
	}, sources.Cursor{})
	assert.Equal(t, models.FeedDegraded, partial.Result.Status)
	assert.Equal(t, 1, partial.Result.Stored)

	fs, err := store.GetFeedStatus(ctx, "nvd")
	require.NoError(t, err)
	assert.Equal(t, 1, fs.ErrorCount)
	assert.Contains(t, fs.LastError, "503")
}

// cancellingClassifier cancels the run after its first verdict, the way a
// run timeout lands partway through a long backlog.
type cancellingClassifier struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingClassifier) Classify(ctx context.Context, item *models.Item) models.Assessment {
	c.calls++
	if c.calls == 1 {
		c.cancel()
	}
	return classify.NewHeuristic().Classify(ctx, item)
}

func TestRunKeepsCursorWhenInterrupted(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0).UTC()

	p := New(Config{}, store, classify.NewHeuristic(), nil)
	p.now = func() time.Time { return t0 }
	first := p.Run(ctx, &stubSource{name: "nvd", items: []*models.Item{item("nvd", "CVE-1", "first", models.ThreatHigh)}}, sources.Cursor{})
	require.True(t, first.Result.Complete)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	clf := &cancellingClassifier{cancel: cancel}
	p2 := New(Config{}, store, clf, nil)
	p2.now = func() time.Time { return t0.Add(time.Hour) }

	out := p2.Run(runCtx, &stubSource{name: "nvd", items: []*models.Item{
		item("nvd", "CVE-2", "second", models.ThreatHigh),
		item("nvd", "CVE-3", "third", models.ThreatHigh),
		item("nvd", "CVE-4", "fourth", models.ThreatHigh),
	}}, sources.Cursor{})

	assert.Equal(t, 3, out.Result.Fetched)
	assert.Zero(t, out.Result.Stored)
	assert.Equal(t, models.FeedDegraded, out.Result.Status)
	assert.False(t, out.Result.Complete)

	fs, err := store.GetFeedStatus(ctx, "nvd")
	require.NoError(t, err)
	assert.Equal(t, models.FeedDegraded, fs.Status)
	assert.True(t, fs.LastSuccess.Equal(t0), "cursor moved to %s", fs.LastSuccess)
}

func TestRunPartialFetchKeepsCursor(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	out := New(Config{}, store, classify.NewHeuristic(), nil).Run(ctx, &stubSource{
		name:  "doj",
		items: []*models.Item{item("doj", "a", "partial", models.ThreatLow)},
		err:   errors.New("speech feed: timeout"),
	}, sources.Cursor{})
	assert.Equal(t, 1, out.Result.Stored)
	assert.False(t, out.Result.Complete)

	fs, err := store.GetFeedStatus(ctx, "doj")
	require.NoError(t, err)
	assert.True(t, fs.LastSuccess.IsZero())
}

// flakyStore rejects the first assessed write.
type flakyStore struct {
	*sqlite.Client
	failed bool
}

func (f *flakyStore) UpsertAssessedItem(ctx context.Context, item *models.Item, a *models.Assessment) (sqlite.UpsertResult, error) {
	if !f.failed {
		f.failed = true
		return sqlite.UpsertResult{}, errors.New("disk I/O error")
	}
	return f.Client.UpsertAssessedItem(ctx, item, a)
}

func TestRunReassessesItemsThatFailedToStore(t *testing.T) {
	db := newStore(t)
	store := &flakyStore{Client: db}
	ctx := context.Background()
	src := &stubSource{name: "otx", items: []*models.Item{item("otx", "p1", "Ransomware crew hits hospital", models.ThreatHigh)}}

	first := New(Config{}, store, classify.NewHeuristic(), nil).Run(ctx, src, sources.Cursor{})
	assert.Zero(t, first.Result.Stored)
	assert.Equal(t, models.FeedDegraded, first.Result.Status)
	assert.Contains(t, first.Result.Error, "disk I/O error")

	_, err := db.GetItem(ctx, "otx", "p1")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)

	p2 := New(Config{}, store, classify.NewHeuristic(), nil)
	require.NoError(t, p2.Warm(ctx))
	second := p2.Run(ctx, src, sources.Cursor{})
	assert.Equal(t, 1, second.Result.Stored)
	assert.Zero(t, second.Result.Duplicates)
	assert.True(t, second.Result.Complete)

	latest, err := db.LatestAssessment(ctx, second.Items[0].Item.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Items[0].Assessment.ID, latest.ID)
}

func TestRunRecoversFromPanics(t *testing.T) {
	store := newStore(t)
	p := New(Config{}, store, classify.NewHeuristic(), nil)

	var out Output
	require.NotPanics(t, func() {
		out = p.Run(context.Background(), &stubSource{name: "ic3", panic: true}, sources.Cursor{})
	})
	assert.Equal(t, models.FeedFailed, out.Result.Status)
	assert.Contains(t, out.Result.Error, "adapter bug")
}

func TestMergeKeywords(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, mergeKeywords([]string{"a", "b"}, []string{"b", "c"}))
	assert.Empty(t, mergeKeywords(nil, nil))
}
