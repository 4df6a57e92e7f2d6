package evaluation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/classify"
	"github.com/intelpipe/backend/internal/llm"
	"github.com/intelpipe/backend/internal/metrics"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/logger"
)

// ItemLister is the storage query the evaluator samples from.
type ItemLister interface {
	ListItems(ctx context.Context, f models.ItemFilter) ([]models.AssessedItem, error)
}

// Evaluator re-classifies stored items and measures how far the current
// classifier has drifted from the verdicts already on record.
type Evaluator struct {
	db         ItemLister
	classifier classify.Classifier
	embedder   llm.Embedder
}

// NewEvaluator takes an uncached classifier; a cached one would just replay
// stored verdicts. embedder may be nil.
func NewEvaluator(db ItemLister, classifier classify.Classifier, embedder llm.Embedder) *Evaluator {
	return &Evaluator{db: db, classifier: classifier, embedder: embedder}
}

type Options struct {
	Sample int
	Source string
}

// ItemResult is one re-classified item.
type ItemResult struct {
	ItemID     string             `json:"item_id"`
	Source     string             `json:"source"`
	Title      string             `json:"title"`
	Stored     models.ThreatLevel `json:"stored"`
	Current    models.ThreatLevel `json:"current"`
	Similarity float64            `json:"rationale_similarity,omitempty"`
}

// Report summarizes a drift evaluation. Skipped counts items with no usable
// stored or fresh verdict.
type Report struct {
	Sampled        int                                               `json:"sampled"`
	Evaluated      int                                               `json:"evaluated"`
	Skipped        int                                               `json:"skipped"`
	Agreed         int                                               `json:"agreed"`
	Escalated      int                                               `json:"escalated"`
	Downgraded     int                                               `json:"downgraded"`
	AgreementRatio float64                                           `json:"agreement_ratio"`
	MeanRankDelta  float64                                           `json:"mean_rank_delta"`
	AvgSimilarity  float64                                           `json:"avg_rationale_similarity"`
	Confusion      map[models.ThreatLevel]map[models.ThreatLevel]int `json:"confusion"`
	Disagreements  []ItemResult                                      `json:"disagreements"`
}

// Run samples up to opts.Sample of the newest stored items and compares each
// stored verdict with a fresh one.
func (e *Evaluator) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Sample <= 0 {
		opts.Sample = 50
	}
	items, err := e.db.ListItems(ctx, models.ItemFilter{Source: opts.Source, Limit: opts.Sample})
	if err != nil {
		return nil, fmt.Errorf("failed to sample items: %w", err)
	}
	logger.Info("Running drift evaluation", zap.Int("items", len(items)), zap.String("source", opts.Source))

	report := &Report{
		Sampled:   len(items),
		Confusion: map[models.ThreatLevel]map[models.ThreatLevel]int{},
	}

	var totalDelta, totalSim float64
	var simCount int

	for i := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := items[i]
		stored := entry.Assessment
		if stored.ID == 0 || stored.Degraded || stored.ThreatLevel == models.ThreatUnknown {
			report.Skipped++
			continue
		}

		current := e.classifier.Classify(ctx, &entry.Item)
		if current.Degraded {
			logger.Warn("Fresh classification degraded, skipping", zap.String("item_id", entry.Item.ID))
			report.Skipped++
			continue
		}

		report.Evaluated++
		row := report.Confusion[stored.ThreatLevel]
		if row == nil {
			row = map[models.ThreatLevel]int{}
			report.Confusion[stored.ThreatLevel] = row
		}
		row[current.ThreatLevel]++

		delta := current.ThreatLevel.Rank() - stored.ThreatLevel.Rank()
		totalDelta += math.Abs(float64(delta))

		result := ItemResult{
			ItemID:  entry.Item.ID,
			Source:  entry.Item.Source,
			Title:   entry.Item.Title,
			Stored:  stored.ThreatLevel,
			Current: current.ThreatLevel,
		}

		if e.embedder != nil && stored.Rationale != "" && current.Rationale != "" {
			sim, err := e.rationaleSimilarity(ctx, stored.Rationale, current.Rationale)
			if err != nil {
				logger.Warn("Failed to calculate cosine similarity", zap.Error(err))
			} else {
				result.Similarity = sim
				totalSim += sim
				simCount++
			}
		}

		switch {
		case delta == 0:
			report.Agreed++
		case delta > 0:
			report.Escalated++
			report.Disagreements = append(report.Disagreements, result)
		default:
			report.Downgraded++
			report.Disagreements = append(report.Disagreements, result)
		}
	}

	if report.Evaluated > 0 {
		report.AgreementRatio = float64(report.Agreed) / float64(report.Evaluated)
		report.MeanRankDelta = totalDelta / float64(report.Evaluated)
		metrics.DriftAgreement.Set(report.AgreementRatio)
	}
	if simCount > 0 {
		report.AvgSimilarity = totalSim / float64(simCount)
	}

	logger.Info("Drift evaluation completed",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("agreed", report.Agreed),
		zap.Int("escalated", report.Escalated),
		zap.Int("downgraded", report.Downgraded),
		zap.Float64("agreement", report.AgreementRatio),
	)
	return report, nil
}

func (e *Evaluator) rationaleSimilarity(ctx context.Context, a, b string) (float64, error) {
	emb1, err := e.embedder.Embed(ctx, a)
	if err != nil {
		return 0, err
	}
	emb2, err := e.embedder.Embed(ctx, b)
	if err != nil {
		return 0, err
	}
	return cosineSimilarity(emb1, emb2), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// GenerateReport renders r for the terminal.
func GenerateReport(r *Report) string {
	var b strings.Builder
	pct := func(n int) float64 {
		if r.Evaluated == 0 {
			return 0
		}
		return float64(n) / float64(r.Evaluated) * 100
	}

	fmt.Fprintf(&b, `
Classification Drift Report
===========================

Sampled: %d  Evaluated: %d  Skipped: %d

Verdicts:
- Agreed: %d (%.1f%%)
- Escalated: %d (%.1f%%)
- Downgraded: %d (%.1f%%)

Mean rank delta: %.2f
`,
		r.Sampled, r.Evaluated, r.Skipped,
		r.Agreed, pct(r.Agreed),
		r.Escalated, pct(r.Escalated),
		r.Downgraded, pct(r.Downgraded),
		r.MeanRankDelta,
	)
	if r.AvgSimilarity > 0 {
		fmt.Fprintf(&b, "Rationale similarity: %.3f\n", r.AvgSimilarity)
	}

	if len(r.Confusion) > 0 {
		b.WriteString("\nStored -> current:\n")
		var stored []models.ThreatLevel
		for l := range r.Confusion {
			stored = append(stored, l)
		}
		sortLevels(stored)
		for _, s := range stored {
			var current []models.ThreatLevel
			for l := range r.Confusion[s] {
				current = append(current, l)
			}
			sortLevels(current)
			for _, c := range current {
				fmt.Fprintf(&b, "- %s -> %s: %d\n", s, c, r.Confusion[s][c])
			}
		}
	}
	return b.String()
}

func sortLevels(levels []models.ThreatLevel) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Rank() > levels[j].Rank() })
}
