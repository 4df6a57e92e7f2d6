package correlate

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/kg/neo4j"
	"github.com/intelpipe/backend/internal/llm"
	"github.com/intelpipe/backend/internal/metrics"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/vector/zilliz"
	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/utils"
)

// Store is the SQLite side of correlation.
type Store interface {
	SharedIndicators(ctx context.Context, itemID string, limit int) ([]models.Correlation, error)
}

// GraphWriter links an item into the graph; kg/builder.Builder satisfies it.
type GraphWriter interface {
	BuildFromItem(ctx context.Context, item *models.Item) error
}

type GraphReader interface {
	Neighbours(ctx context.Context, itemID string, limit int) ([]neo4j.Neighbour, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, vectors []zilliz.ItemVector) error
	Search(ctx context.Context, embedding []float32, topK int, filter zilliz.SearchFilter) ([]zilliz.SearchResult, error)
}

// EmbeddingCache avoids re-embedding unchanged text. The redis client satisfies it.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32) error
}

// Service relates items by shared indicators, graph neighbourhood and
// embedding similarity. Only the SQLite store is required; the graph and
// vector backends are used when configured.
type Service struct {
	store    Store
	writer   GraphWriter
	reader   GraphReader
	vectors  VectorIndex
	embedder llm.Embedder
	cache    EmbeddingCache
	minScore float32
	limit    int
}

type Option func(*Service)

func WithGraph(w GraphWriter, r GraphReader) Option {
	return func(s *Service) {
		s.writer = w
		s.reader = r
	}
}

func WithVectors(v VectorIndex, e llm.Embedder) Option {
	return func(s *Service) {
		s.vectors = v
		s.embedder = e
	}
}

func WithEmbeddingCache(c EmbeddingCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithMinSimilarity sets the cosine score below which semantic matches are dropped.
func WithMinSimilarity(score float32) Option {
	return func(s *Service) { s.minScore = score }
}

func WithLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.limit = n
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, minScore: 0.8, limit: 20}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) semantic() bool {
	return s.vectors != nil && s.embedder != nil
}

// Index pushes a persisted item into the graph and vector backends. Errors
// from both are joined; SQLite indicators need no extra indexing.
func (s *Service) Index(ctx context.Context, item *models.Item) error {
	var errs []error

	if s.writer != nil {
		if err := s.writer.BuildFromItem(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}

	if s.semantic() {
		emb, err := s.embed(ctx, EmbeddingText(item))
		if err != nil {
			errs = append(errs, err)
		} else if err := s.vectors.Upsert(ctx, []zilliz.ItemVector{{
			ItemID:      item.ID,
			Embedding:   emb,
			Source:      item.Source,
			Title:       item.Title,
			ThreatLevel: string(item.ThreatLevel),
			PublishedAt: item.PublishedAt,
		}}); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Correlate returns related items, best first. A failing backend is logged
// and skipped so one outage does not hide the others' results.
func (s *Service) Correlate(ctx context.Context, item *models.Item) ([]models.Correlation, error) {
	merged := map[string]*models.Correlation{}
	add := func(c models.Correlation) {
		if c.ItemID == "" || c.ItemID == item.ID {
			return
		}
		if prev, ok := merged[c.ItemID]; ok {
			mergeInto(prev, c)
			return
		}
		cc := c
		merged[c.ItemID] = &cc
	}

	shared, err := s.store.SharedIndicators(ctx, item.ID, s.limit)
	if err != nil {
		return nil, err
	}
	metrics.CorrelationsFound.WithLabelValues(models.CorrelationSharedIndicator).Observe(float64(len(shared)))
	for _, c := range shared {
		add(c)
	}

	if s.reader != nil {
		neighbours, err := s.reader.Neighbours(ctx, item.ID, s.limit)
		if err != nil {
			logger.Warn("Graph correlation failed", zap.String("item_id", item.ID), zap.Error(err))
		} else {
			metrics.CorrelationsFound.WithLabelValues(models.CorrelationGraph).Observe(float64(len(neighbours)))
			for _, n := range neighbours {
				add(models.Correlation{
					ItemID: n.ItemID,
					Source: n.Source,
					Title:  n.Title,
					Reason: models.CorrelationGraph,
					Shared: n.Shared,
					Score:  float64(n.Weight),
				})
			}
		}
	}

	if s.semantic() {
		similar, err := s.similar(ctx, item)
		if err != nil {
			logger.Warn("Semantic correlation failed", zap.String("item_id", item.ID), zap.Error(err))
		} else {
			metrics.CorrelationsFound.WithLabelValues(models.CorrelationSemantic).Observe(float64(len(similar)))
			for _, c := range similar {
				add(c)
			}
		}
	}

	out := make([]models.Correlation, 0, len(merged))
	for _, c := range merged {
		sort.Strings(c.Shared)
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ItemID < out[j].ItemID
	})
	if len(out) > s.limit {
		out = out[:s.limit]
	}
	return out, nil
}

func (s *Service) similar(ctx context.Context, item *models.Item) ([]models.Correlation, error) {
	emb, err := s.embed(ctx, EmbeddingText(item))
	if err != nil {
		return nil, err
	}
	hits, err := s.vectors.Search(ctx, emb, s.limit, zilliz.SearchFilter{ExcludeID: item.ID})
	if err != nil {
		return nil, err
	}
	var out []models.Correlation
	for _, h := range hits {
		if h.Score < s.minScore {
			continue
		}
		out = append(out, models.Correlation{
			ItemID: h.ItemID,
			Source: h.Source,
			Title:  h.Title,
			Reason: models.CorrelationSemantic,
			Score:  float64(h.Score),
		})
	}
	return out, nil
}

// SearchText embeds free text and returns the closest stored items.
func (s *Service) SearchText(ctx context.Context, text string, limit int) ([]models.Correlation, error) {
	if !s.semantic() {
		return nil, nil
	}
	if limit <= 0 {
		limit = s.limit
	}
	emb, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	hits, err := s.vectors.Search(ctx, emb, limit, zilliz.SearchFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]models.Correlation, 0, len(hits))
	for _, h := range hits {
		out = append(out, models.Correlation{
			ItemID: h.ItemID,
			Source: h.Source,
			Title:  h.Title,
			Reason: models.CorrelationSemantic,
			Score:  float64(h.Score),
		})
	}
	return out, nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashStrings("embed", text)
	if s.cache != nil {
		if emb, ok, err := s.cache.GetEmbedding(ctx, key); err == nil && ok {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			return emb, nil
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetEmbedding(ctx, key, emb); err != nil {
			logger.Debug("Embedding cache write failed", zap.Error(err))
		}
	}
	return emb, nil
}

// EmbeddingText is the text an item is embedded by.
func EmbeddingText(item *models.Item) string {
	return strings.TrimSpace(utils.Truncate(item.Title+"\n"+item.Description, 2000))
}

// mergeInto folds a second finding for the same item into prev. Scores add
// up so an item found by several methods ranks higher.
func mergeInto(prev *models.Correlation, c models.Correlation) {
	prev.Score += c.Score
	if !strings.Contains(prev.Reason, c.Reason) {
		prev.Reason += "," + c.Reason
	}
	have := make(map[string]bool, len(prev.Shared))
	for _, v := range prev.Shared {
		have[strings.ToLower(v)] = true
	}
	for _, v := range c.Shared {
		if !have[strings.ToLower(v)] {
			prev.Shared = append(prev.Shared, v)
			have[strings.ToLower(v)] = true
		}
	}
	if prev.Title == "" {
		prev.Title = c.Title
	}
	if prev.Source == "" {
		prev.Source = c.Source
	}
}
