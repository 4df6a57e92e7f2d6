package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/llm"
	"github.com/intelpipe/backend/internal/storage/models"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
	last  llm.CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply}, nil
}

func (f *fakeCompleter) Model() string { return "fake-model" }

type memCache struct {
	data map[string]models.Assessment
	err  error
}

func newMemCache() *memCache { return &memCache{data: map[string]models.Assessment{}} }

func (m *memCache) GetAssessment(_ context.Context, key string) (*models.Assessment, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	a, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return &a, true, nil
}

func (m *memCache) SetAssessment(_ context.Context, key string, a *models.Assessment) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = *a
	return nil
}

func testItem() *models.Item {
	return &models.Item{
		ID:          "item-1",
		Source:      "doj",
		Title:       "Man charged with providing material support to ISIS",
		Description: "Federal prosecutors announced charges.",
		ContentHash: "hash-1",
		ThreatLevel: models.ThreatUnknown,
		Keywords:    map[string][]string{"Terrorism": {"material support"}},
	}
}

func fixedNow() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestLLMClassifierParsesJSON(t *testing.T) {
	f := &fakeCompleter{reply: "Here you go:\n```json\n" +
		`{"threat_level":"HIGH","intelligence_value":"MEDIUM","relevance_score":"8/10","analysis":"Named FTO support case."}` +
		"\n```"}
	c := NewLLM(f)
	c.now = fixedNow

	a := c.Classify(context.Background(), testItem())
	assert.Equal(t, models.ThreatHigh, a.ThreatLevel)
	assert.Equal(t, models.ThreatMedium, a.IntelligenceValue)
	assert.Equal(t, 8.0, a.Relevance)
	assert.Equal(t, "Named FTO support case.", a.Rationale)
	assert.Equal(t, models.MethodLLM, a.Method)
	assert.False(t, a.Degraded)
	assert.Equal(t, "fake-model", a.Model)
	assert.Equal(t, "item-1", a.ItemID)
	assert.Equal(t, "hash-1", a.ContentHash)
	assert.Equal(t, fixedNow(), a.CreatedAt)

	assert.Equal(t, llm.ClassifySystemPrompt, f.last.SystemPrompt)
	assert.Contains(t, f.last.UserPrompt, "material support")
}

func TestLLMClassifierFallsBackOnMalformedReply(t *testing.T) {
	f := &fakeCompleter{reply: "I would rate this a high threat, maybe medium."}
	a := NewLLM(f).Classify(context.Background(), testItem())

	assert.Equal(t, models.ThreatHigh, a.ThreatLevel)
	assert.Equal(t, models.ThreatHigh, a.IntelligenceValue)
	assert.Equal(t, models.MethodLLMFallback, a.Method)
	assert.True(t, a.Degraded)
	assert.Equal(t, f.reply, a.RawResponse)
}

func TestLLMClassifierFallbackWithoutKeywords(t *testing.T) {
	a := NewLLM(&fakeCompleter{reply: "no opinion"}).Classify(context.Background(), testItem())
	assert.Equal(t, models.ThreatUnknown, a.ThreatLevel)
	assert.Equal(t, models.ThreatLow, a.IntelligenceValue)
	assert.True(t, a.Degraded)
}

func TestLLMClassifierSentinelOnError(t *testing.T) {
	a := NewLLM(&fakeCompleter{err: errors.New("503 from provider")}).Classify(context.Background(), testItem())

	assert.Equal(t, models.ThreatUnknown, a.ThreatLevel)
	assert.Equal(t, models.ThreatLow, a.IntelligenceValue)
	assert.Equal(t, models.MethodSentinel, a.Method)
	assert.True(t, a.Degraded)
	assert.Contains(t, a.Rationale, "503")
}

func TestLLMClassifierClampsRelevance(t *testing.T) {
	a := NewLLM(&fakeCompleter{reply: `{"threat_level":"LOW","relevance_score":42}`}).Classify(context.Background(), testItem())
	assert.Equal(t, 10.0, a.Relevance)
	assert.Equal(t, models.ThreatLow, a.IntelligenceValue)
}

func TestHeuristic(t *testing.T) {
	h := NewHeuristic()

	item := testItem()
	a := h.Classify(context.Background(), item)
	assert.Equal(t, models.ThreatMedium, a.ThreatLevel, "one escalating category lifts LOW to MEDIUM")
	assert.Equal(t, models.MethodHeuristic, a.Method)
	assert.False(t, a.Degraded)

	item.ThreatLevel = models.ThreatCritical
	assert.Equal(t, models.ThreatCritical, h.Classify(context.Background(), item).ThreatLevel)

	item.ThreatLevel = models.ThreatUnknown
	item.Keywords = map[string][]string{"Cybersecurity": {"x"}, "Intelligence": {"y"}, "Border_Security": {"z"}}
	assert.Equal(t, models.ThreatHigh, h.Classify(context.Background(), item).ThreatLevel)

	item.Keywords = nil
	a = h.Classify(context.Background(), item)
	assert.Equal(t, models.ThreatInformational, a.ThreatLevel)
	assert.Equal(t, models.ThreatLow, a.IntelligenceValue)
}

func TestHeuristicIsDeterministic(t *testing.T) {
	h := NewHeuristic()
	h.now = fixedNow
	item := testItem()
	item.Keywords["Cybersecurity"] = []string{"cyber threat"}
	first := h.Classify(context.Background(), item)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, h.Classify(context.Background(), item))
	}
}

func TestCachedReusesVerdictForSameContent(t *testing.T) {
	f := &fakeCompleter{reply: `{"threat_level":"CRITICAL","intelligence_value":"HIGH","relevance_score":9}`}
	cache := newMemCache()
	c := NewCached(NewLLM(f), cache, "v1")

	first := c.Classify(context.Background(), testItem())
	assert.False(t, first.Cached)
	assert.Equal(t, models.MethodLLM, first.Method)

	other := testItem()
	other.ID = "item-2"
	f.reply = `{"threat_level":"LOW"}`
	second := c.Classify(context.Background(), other)

	assert.Equal(t, 1, f.calls)
	assert.True(t, second.Cached)
	assert.Equal(t, models.MethodCache, second.Method)
	assert.Equal(t, "item-2", second.ItemID)
	assert.Equal(t, models.ThreatCritical, second.ThreatLevel)
}

func TestCachedSkipsDegradedVerdicts(t *testing.T) {
	f := &fakeCompleter{err: errors.New("down")}
	cache := newMemCache()
	c := NewCached(NewLLM(f), cache, "v1")

	c.Classify(context.Background(), testItem())
	assert.Empty(t, cache.data)

	f.err = nil
	f.reply = `{"threat_level":"HIGH"}`
	a := c.Classify(context.Background(), testItem())
	assert.Equal(t, models.ThreatHigh, a.ThreatLevel)
	assert.Equal(t, 2, f.calls)
	assert.Len(t, cache.data, 1)
}

func TestCachedIgnoresCacheErrors(t *testing.T) {
	f := &fakeCompleter{reply: `{"threat_level":"HIGH"}`}
	cache := newMemCache()
	cache.err = errors.New("redis down")

	a := NewCached(NewLLM(f), cache, "v1").Classify(context.Background(), testItem())
	assert.Equal(t, models.ThreatHigh, a.ThreatLevel)
	assert.False(t, a.Cached)
}

func TestBuild(t *testing.T) {
	assert.IsType(t, &Heuristic{}, Build("heuristic", nil, nil))
	assert.IsType(t, &Heuristic{}, Build("llm", nil, nil))
	assert.IsType(t, &LLMClassifier{}, Build("llm", &fakeCompleter{}, nil))
	assert.IsType(t, &Cached{}, Build("llm", &fakeCompleter{}, newMemCache()))
}
