package correlate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/kg/neo4j"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/vector/zilliz"
)

type fakeStore struct {
	out []models.Correlation
	err error
}

func (f *fakeStore) SharedIndicators(context.Context, string, int) ([]models.Correlation, error) {
	return f.out, f.err
}

type fakeGraph struct {
	built      []string
	neighbours []neo4j.Neighbour
	err        error
}

func (g *fakeGraph) BuildFromItem(_ context.Context, item *models.Item) error {
	if g.err != nil {
		return g.err
	}
	g.built = append(g.built, item.ID)
	return nil
}

func (g *fakeGraph) Neighbours(context.Context, string, int) ([]neo4j.Neighbour, error) {
	return g.neighbours, g.err
}

type fakeVectors struct {
	upserted []zilliz.ItemVector
	hits     []zilliz.SearchResult
	filters  []zilliz.SearchFilter
}

func (v *fakeVectors) Upsert(_ context.Context, vs []zilliz.ItemVector) error {
	v.upserted = append(v.upserted, vs...)
	return nil
}

func (v *fakeVectors) Search(_ context.Context, _ []float32, _ int, f zilliz.SearchFilter) ([]zilliz.SearchResult, error) {
	v.filters = append(v.filters, f)
	return v.hits, nil
}

type fakeEmbedder struct{ calls int }

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	e.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

type memEmbeddings map[string][]float32

func (m memEmbeddings) GetEmbedding(_ context.Context, k string) ([]float32, bool, error) {
	v, ok := m[k]
	return v, ok, nil
}

func (m memEmbeddings) SetEmbedding(_ context.Context, k string, v []float32) error {
	m[k] = v
	return nil
}

var subject = &models.Item{ID: "self", Source: "otx", Title: "Emotet returns", Description: "New loader wave"}

func TestCorrelateMergesBackends(t *testing.T) {
	store := &fakeStore{out: []models.Correlation{
		{ItemID: "a", Source: "misp", Title: "A", Reason: models.CorrelationSharedIndicator, Shared: []string{"1.2.3.4"}, Score: 1},
	}}
	graph := &fakeGraph{neighbours: []neo4j.Neighbour{
		{ItemID: "a", Source: "misp", Title: "A", Shared: []string{"1.2.3.4", "evil.example"}, Weight: 2},
		{ItemID: "self", Weight: 9},
	}}
	vectors := &fakeVectors{hits: []zilliz.SearchResult{
		{ItemID: "b", Source: "doj", Title: "B", Score: 0.92},
		{ItemID: "c", Source: "nvd", Title: "C", Score: 0.41},
	}}

	svc := NewService(store, WithGraph(graph, graph), WithVectors(vectors, &fakeEmbedder{}))
	got, err := svc.Correlate(context.Background(), subject)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ItemID)
	assert.Equal(t, 3.0, got[0].Score)
	assert.Equal(t, "shared_indicator,graph", got[0].Reason)
	assert.Equal(t, []string{"1.2.3.4", "evil.example"}, got[0].Shared)

	assert.Equal(t, "b", got[1].ItemID)
	assert.Equal(t, models.CorrelationSemantic, got[1].Reason)
	assert.Equal(t, "self", vectors.filters[0].ExcludeID)
}

func TestCorrelateSkipsFailingGraph(t *testing.T) {
	store := &fakeStore{out: []models.Correlation{{ItemID: "a", Reason: models.CorrelationSharedIndicator, Score: 1}}}
	graph := &fakeGraph{err: errors.New("neo4j down")}

	got, err := NewService(store, WithGraph(graph, graph)).Correlate(context.Background(), subject)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ItemID)
}

func TestCorrelateStoreErrorFails(t *testing.T) {
	_, err := NewService(&fakeStore{err: errors.New("locked")}).Correlate(context.Background(), subject)
	assert.Error(t, err)
}

func TestIndexWritesGraphAndVectors(t *testing.T) {
	graph := &fakeGraph{}
	vectors := &fakeVectors{}
	emb := &fakeEmbedder{}
	cache := memEmbeddings{}
	svc := NewService(&fakeStore{}, WithGraph(graph, graph), WithVectors(vectors, emb), WithEmbeddingCache(cache))

	require.NoError(t, svc.Index(context.Background(), subject))
	require.NoError(t, svc.Index(context.Background(), subject))

	assert.Equal(t, []string{"self", "self"}, graph.built)
	require.Len(t, vectors.upserted, 2)
	assert.Equal(t, "otx", vectors.upserted[0].Source)
	assert.Equal(t, 1, emb.calls, "second index reuses the cached embedding")
}

func TestIndexJoinsErrors(t *testing.T) {
	graph := &fakeGraph{err: errors.New("graph down")}
	err := NewService(&fakeStore{}, WithGraph(graph, graph)).Index(context.Background(), subject)
	assert.ErrorContains(t, err, "graph down")
}

func TestSearchTextWithoutVectors(t *testing.T) {
	got, err := NewService(&fakeStore{}).SearchText(context.Background(), "ransomware", 5)
	require.NoError(t, err)
	assert.Nil(t, got)
}
