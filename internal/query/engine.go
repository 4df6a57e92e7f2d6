package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/keywords"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/storage/sqlite"
	"github.com/intelpipe/backend/pkg/logger"
)

var ErrEmptyQuery = errors.New("query is required")

const (
	MatchText     = "text"
	MatchSemantic = "semantic"
)

type Store interface {
	ListItems(ctx context.Context, f models.ItemFilter) ([]models.AssessedItem, error)
	GetItemByID(ctx context.Context, id string) (*models.Item, error)
	LatestAssessment(ctx context.Context, itemID string) (*models.Assessment, error)
}

// Semantic finds stored items close to free text; *correlate.Service
// satisfies it.
type Semantic interface {
	SearchText(ctx context.Context, text string, limit int) ([]models.Correlation, error)
}

// Engine searches stored items by text and, when a vector index is
// configured, by meaning.
type Engine struct {
	db       Store
	semantic Semantic
	matcher  *keywords.Matcher
}

type Request struct {
	Query    string
	Source   string
	MinLevel models.ThreatLevel
	Limit    int
}

type Hit struct {
	Item       models.Item       `json:"item"`
	Assessment models.Assessment `json:"assessment"`
	MatchedBy  []string          `json:"matched_by"`
	Score      float64           `json:"score"`
	Priority   int               `json:"priority"`
	Similarity float64           `json:"similarity,omitempty"`
}

type Response struct {
	ID         string              `json:"id"`
	Query      string              `json:"query"`
	Categories map[string][]string `json:"categories,omitempty"`
	Results    []Hit               `json:"results"`
	Semantic   bool                `json:"semantic"`
	LatencyMS  int                 `json:"latency_ms"`
}

// NewEngine builds a search engine. semantic and matcher may be nil.
func NewEngine(db Store, semantic Semantic, matcher *keywords.Matcher) *Engine {
	return &Engine{db: db, semantic: semantic, matcher: matcher}
}

// Search runs the text and semantic lookups and fuses their hits. Text
// matches score 1; a semantic hit adds its similarity. A failing semantic
// backend only narrows the result to text matches.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 20
	}

	resp := &Response{ID: uuid.New().String(), Query: req.Query}
	logger.Info("Processing search", zap.String("query_id", resp.ID), zap.String("query", req.Query))

	if e.matcher != nil {
		resp.Categories = e.matcher.Match(req.Query)
	}

	textHits, err := e.db.ListItems(ctx, models.ItemFilter{
		Source:         req.Source,
		MinThreatLevel: req.MinLevel,
		Text:           req.Query,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search items: %w", err)
	}

	hits := make(map[string]*Hit, len(textHits))
	var order []string
	for _, entry := range textHits {
		hits[entry.Item.ID] = &Hit{Item: entry.Item, Assessment: entry.Assessment, MatchedBy: []string{MatchText}, Score: 1}
		order = append(order, entry.Item.ID)
	}

	if e.semantic != nil {
		similar, err := e.semantic.SearchText(ctx, req.Query, req.Limit)
		if err != nil {
			logger.Warn("Semantic search failed", zap.String("query_id", resp.ID), zap.Error(err))
		} else {
			resp.Semantic = similar != nil
			for _, c := range similar {
				if h, ok := hits[c.ItemID]; ok {
					h.MatchedBy = append(h.MatchedBy, MatchSemantic)
					h.Score += c.Score
					h.Similarity = c.Score
					continue
				}
				h, err := e.hydrate(ctx, c, req)
				if err != nil {
					logger.Warn("Failed to load semantic hit", zap.String("item_id", c.ItemID), zap.Error(err))
					continue
				}
				if h == nil {
					continue
				}
				hits[c.ItemID] = h
				order = append(order, c.ItemID)
			}
		}
	}

	resp.Results = make([]Hit, 0, len(order))
	for _, id := range order {
		h := hits[id]
		h.Priority = h.Assessment.ThreatLevel.Priority()
		h.Item.Raw = nil
		resp.Results = append(resp.Results, *h)
	}
	sort.SliceStable(resp.Results, func(i, j int) bool {
		return resp.Results[i].Score > resp.Results[j].Score
	})
	if len(resp.Results) > req.Limit {
		resp.Results = resp.Results[:req.Limit]
	}

	resp.LatencyMS = int(time.Since(startTime).Milliseconds())
	logger.Info("Search processed",
		zap.String("query_id", resp.ID),
		zap.Int("text_results", len(textHits)),
		zap.Int("results", len(resp.Results)),
		zap.Int("latency_ms", resp.LatencyMS),
	)
	return resp, nil
}

// hydrate loads a semantic-only hit and applies the request filters to it.
// A nil hit means the item was filtered out or no longer exists.
func (e *Engine) hydrate(ctx context.Context, c models.Correlation, req Request) (*Hit, error) {
	if req.Source != "" && c.Source != req.Source {
		return nil, nil
	}
	item, err := e.db.GetItemByID(ctx, c.ItemID)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	h := &Hit{Item: *item, MatchedBy: []string{MatchSemantic}, Score: c.Score, Similarity: c.Score}
	a, err := e.db.LatestAssessment(ctx, c.ItemID)
	switch {
	case err == nil:
		h.Assessment = *a
	case !errors.Is(err, sqlite.ErrNotFound):
		return nil, err
	}

	level := h.Assessment.ThreatLevel
	if level == "" {
		level = item.ThreatLevel
	}
	if req.MinLevel != "" && !level.AtLeast(req.MinLevel) {
		return nil, nil
	}
	return h, nil
}
