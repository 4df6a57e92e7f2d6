package neo4j

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/storage/models"
)

func TestItemParamsDedupsIndicators(t *testing.T) {
	item := &models.Item{
		ID:          "abc",
		Source:      "otx",
		ExternalID:  "p1",
		Title:       "Pulse",
		ThreatLevel: models.ThreatHigh,
		PublishedAt: time.Unix(1700000000, 0),
		Indicators: []models.Indicator{
			{Type: models.IndicatorMD5, Value: "D41D8CD98F00B204E9800998ECF8427E"},
			{Type: models.IndicatorMD5, Value: "d41d8cd98f00b204e9800998ecf8427e"},
			{Type: models.IndicatorDomain, Value: ""},
			{Type: models.IndicatorDomain, Value: "evil.example"},
		},
	}

	p := itemParams(item)
	assert.Equal(t, "abc", p["id"])
	assert.Equal(t, "HIGH", p["threat_level"])
	assert.Equal(t, int64(1700000000), p["published_at"])

	inds := p["indicators"].([]any)
	require.Len(t, inds, 2)
	assert.Equal(t, "FileHash-MD5|d41d8cd98f00b204e9800998ecf8427e", inds[0].(map[string]any)["key"])
	assert.Equal(t, "domain|evil.example", inds[1].(map[string]any)["key"])
}

func TestNeighbourFromRecord(t *testing.T) {
	n := neighbourFromRecord(map[string]any{
		"id":     "x",
		"source": "misp",
		"title":  "Event",
		"shared": []any{"1.2.3.4", "evil.example"},
		"weight": int64(2),
	})
	assert.Equal(t, Neighbour{ItemID: "x", Source: "misp", Title: "Event", Shared: []string{"1.2.3.4", "evil.example"}, Weight: 2}, n)

	assert.Equal(t, Neighbour{}, neighbourFromRecord(map[string]any{}))
}

// Runs against a live server when INTELPIPE_TEST_NEO4J_URI is set.
func TestClientIntegration(t *testing.T) {
	uri := os.Getenv("INTELPIPE_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("INTELPIPE_TEST_NEO4J_URI not set")
	}
	c, err := NewClient(uri, os.Getenv("INTELPIPE_TEST_NEO4J_USER"), os.Getenv("INTELPIPE_TEST_NEO4J_PASSWORD"), "")
	require.NoError(t, err)
	ctx := context.Background()
	defer c.Close(ctx)

	require.NoError(t, c.EnsureSchema(ctx))
	shared := models.Indicator{Type: models.IndicatorIPv4, Value: "203.0.113.9"}
	require.NoError(t, c.UpsertItem(ctx, &models.Item{ID: "it-a", Source: "otx", Title: "A", Indicators: []models.Indicator{shared}}))
	require.NoError(t, c.UpsertItem(ctx, &models.Item{ID: "it-b", Source: "misp", Title: "B", Indicators: []models.Indicator{shared}}))

	got, err := c.Neighbours(ctx, "it-a", 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "it-b", got[0].ItemID)
	assert.Equal(t, []string{"203.0.113.9"}, got[0].Shared)
}
