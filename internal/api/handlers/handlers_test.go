package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/middleware/validation"
	"github.com/intelpipe/backend/internal/orchestrator"
	"github.com/intelpipe/backend/internal/query"
	"github.com/intelpipe/backend/internal/sources"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/storage/sqlite"
	"github.com/intelpipe/backend/pkg/utils"
)

type namedSource string

func (n namedSource) Name() string { return string(n) }

func (n namedSource) Fetch(context.Context, sources.Cursor) ([]*models.Item, error) {
	return nil, nil
}

type fakeRunner struct {
	busy bool
	got  []orchestrator.RunOptions
}

func (f *fakeRunner) Go(_ context.Context, opts orchestrator.RunOptions, _ func(*models.Report, error)) error {
	if f.busy {
		return orchestrator.ErrRunInProgress
	}
	f.got = append(f.got, opts)
	return nil
}

func (f *fakeRunner) Busy() bool { return f.busy }

type fakeCorrelator struct {
	err error
}

func (f *fakeCorrelator) Correlate(_ context.Context, item *models.Item) ([]models.Correlation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []models.Correlation{{ItemID: "other", Source: "nvd", Reason: models.CorrelationSharedIndicator, Score: 1}}, nil
}

type testEnv struct {
	app    *fiber.App
	db     *sqlite.Client
	runner *fakeRunner
	corr   *fakeCorrelator
	itemID string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "intel.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	item := &models.Item{
		ID:          utils.NaturalKey("otx", "pulse-1"),
		Source:      "otx",
		ExternalID:  "pulse-1",
		Title:       "Ransomware affiliate infrastructure",
		Raw:         json.RawMessage(`{"id":"pulse-1"}`),
		Indicators:  []models.Indicator{{Type: models.IndicatorIPv4, Value: "203.0.113.9"}},
		PublishedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		CollectedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	}
	item.ContentHash = utils.HashStrings(item.Title)
	_, err = db.UpsertItem(ctx, item)
	require.NoError(t, err)
	_, err = db.InsertAssessment(ctx, &models.Assessment{ItemID: item.ID, ThreatLevel: models.ThreatHigh, Method: models.MethodHeuristic})
	require.NoError(t, err)
	require.NoError(t, db.RecordFeedRun(ctx, "otx", models.FeedOK, 1, true, nil, time.Now()))

	registry := sources.NewRegistry()
	registry.Register(namedSource("otx"), true)
	registry.Register(namedSource("nvd"), false)

	env := &testEnv{db: db, runner: &fakeRunner{}, corr: &fakeCorrelator{}, itemID: item.ID}
	app := fiber.New()
	app.Use(validation.Middleware(validation.Config{KnownSource: registry.Has}))
	Register(app, Routes{
		Health: NewHealthHandler(map[string]Check{"sqlite": db.Ping}),
		Items:  NewItemsHandler(db, env.corr),
		Runs:   NewRunsHandler(context.Background(), env.runner, db, registry),
		Search: NewSearchHandler(query.NewEngine(db, nil, nil)),
	})
	env.app = app
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestHealthAndReady(t *testing.T) {
	env := newEnv(t)

	status, body := env.do(t, "GET", "/api/v1/health", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = env.do(t, "GET", "/api/v1/ready", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, map[string]any{"sqlite": "ok"}, body["checks"])
}

func TestReadyFailsWhenACheckFails(t *testing.T) {
	app := fiber.New()
	Register(app, Routes{Health: NewHealthHandler(map[string]Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestListAndGetItems(t *testing.T) {
	env := newEnv(t)

	status, body := env.do(t, "GET", "/api/v1/items?source=otx&min_level=HIGH", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
	entry := body["items"].([]any)[0].(map[string]any)
	item := entry["item"].(map[string]any)
	assert.Equal(t, env.itemID, item["id"])
	assert.NotContains(t, item, "raw")

	status, body = env.do(t, "GET", "/api/v1/items?min_level=CRITICAL", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])

	status, _ = env.do(t, "GET", "/api/v1/items?source=nope", "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = env.do(t, "GET", "/api/v1/items/otx/pulse-1?raw=true", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(8), body["priority"])
	assert.Contains(t, body["item"], "raw")

	status, _ = env.do(t, "GET", "/api/v1/items/otx/missing", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestCorrelations(t *testing.T) {
	env := newEnv(t)

	status, body := env.do(t, "GET", "/api/v1/items/"+env.itemID+"/correlations", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["correlations"], 1)

	status, _ = env.do(t, "GET", "/api/v1/items/unknown/correlations", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	env.corr.err = errors.New("store closed")
	status, _ = env.do(t, "GET", "/api/v1/items/"+env.itemID+"/correlations", "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
}

func TestStartRun(t *testing.T) {
	env := newEnv(t)

	status, body := env.do(t, "POST", "/api/v1/runs", `{"sources":["otx"],"summary":false}`)
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "accepted", body["status"])
	require.Len(t, env.runner.got, 1)
	assert.Equal(t, []string{"otx"}, env.runner.got[0].Sources)
	require.NotNil(t, env.runner.got[0].Summary)
	assert.False(t, *env.runner.got[0].Summary)

	status, _ = env.do(t, "POST", "/api/v1/runs", `{"sources":["gao"]}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	env.runner.busy = true
	status, _ = env.do(t, "POST", "/api/v1/runs", "")
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestSourcesListsFeedStatus(t *testing.T) {
	env := newEnv(t)

	status, body := env.do(t, "GET", "/api/v1/sources", "")
	assert.Equal(t, fiber.StatusOK, status)
	list := body["sources"].([]any)
	require.Len(t, list, 2)

	nvd := list[0].(map[string]any)
	assert.Equal(t, "nvd", nvd["name"])
	assert.Equal(t, false, nvd["enabled"])
	assert.NotContains(t, nvd, "status")

	otx := list[1].(map[string]any)
	assert.Equal(t, true, otx["enabled"])
	assert.Equal(t, "ok", otx["status"].(map[string]any)["status"])
}

func TestLatestReport(t *testing.T) {
	env := newEnv(t)

	status, _ := env.do(t, "GET", "/api/v1/reports/latest", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	require.NoError(t, env.db.InsertReport(context.Background(), &models.Report{
		ID:        "run-1",
		StartedAt: time.Now().UTC(),
		Items:     []models.AssessedItem{{Item: models.Item{ID: "x"}}},
	}))

	status, body := env.do(t, "GET", "/api/v1/reports/latest", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "run-1", body["id"])
	assert.Len(t, body["items"], 1)

	_, body = env.do(t, "GET", "/api/v1/reports/latest?items=false", "")
	assert.Nil(t, body["items"])
}

func TestSearch(t *testing.T) {
	env := newEnv(t)

	status, body := env.do(t, "GET", "/api/v1/search?q=ransomware", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["results"], 1)

	status, _ = env.do(t, "GET", "/api/v1/search", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}
