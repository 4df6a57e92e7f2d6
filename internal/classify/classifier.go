package classify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/llm"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/utils"
)

// Classifier rates an item. It never fails: when the underlying model is
// unavailable it returns a degraded assessment instead.
type Classifier interface {
	Classify(ctx context.Context, item *models.Item) models.Assessment
}

// promptVersion is part of every cache scope; bump it when the prompt changes.
const promptVersion = "classify-v1"

// Build picks the classifier for kind ("llm" or "heuristic"). An llm kind
// without a completer degrades to the heuristic. cache may be nil.
func Build(kind string, completer llm.Completer, cache Cache) Classifier {
	var c Classifier
	scope := promptVersion + ":heuristic"
	switch {
	case kind == "llm" && completer != nil:
		c = NewLLM(completer)
		scope = promptVersion + ":" + completer.Model()
	case kind == "llm":
		logger.Warn("LLM classifier requested without a model client, using heuristic")
		c = NewHeuristic()
	default:
		c = NewHeuristic()
	}
	if cache != nil {
		c = NewCached(c, cache, scope)
	}
	return c
}

// LLMClassifier asks a language model for a verdict and falls back to
// keyword scanning of the reply when it is not valid JSON.
type LLMClassifier struct {
	completer llm.Completer
	now       func() time.Time
}

func NewLLM(completer llm.Completer) *LLMClassifier {
	return &LLMClassifier{completer: completer, now: time.Now}
}

func (c *LLMClassifier) Classify(ctx context.Context, item *models.Item) models.Assessment {
	a := models.Assessment{
		ItemID:      item.ID,
		ContentHash: item.ContentHash,
		Model:       c.completer.Model(),
		CreatedAt:   c.now().UTC().Truncate(time.Second),
	}

	resp, err := c.completer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: llm.ClassifySystemPrompt,
		UserPrompt:   llm.ClassifyPrompt(item),
	})
	if err != nil {
		logger.Warn("LLM classification failed, using sentinel",
			zap.String("item_id", item.ID),
			zap.String("source", item.Source),
			zap.Error(err),
		)
		a.ThreatLevel = models.ThreatUnknown
		a.IntelligenceValue = models.ThreatLow
		a.Method = models.MethodSentinel
		a.Degraded = true
		a.Rationale = fmt.Sprintf("classification unavailable: %v", err)
		return a
	}
	a.RawResponse = resp.Content

	reply, err := llm.ParseReply(resp.Content)
	if err != nil {
		level := llm.KeywordLevel(resp.Content)
		logger.Debug("Malformed model reply, using keyword fallback",
			zap.String("item_id", item.ID),
			zap.String("level", string(level)),
			zap.Error(err),
		)
		a.ThreatLevel = level
		a.IntelligenceValue = valueFor(level)
		a.Relevance = float64(level.Priority())
		a.Method = models.MethodLLMFallback
		a.Degraded = true
		a.Rationale = utils.Truncate(resp.Content, 500)
		return a
	}

	a.ThreatLevel = models.ParseThreatLevel(reply.ThreatLevel)
	a.IntelligenceValue = models.ParseThreatLevel(reply.IntelligenceValue)
	if a.IntelligenceValue == models.ThreatUnknown {
		a.IntelligenceValue = valueFor(a.ThreatLevel)
	}
	a.Relevance = clampRelevance(float64(reply.RelevanceScore))
	a.Rationale = reply.Analysis
	a.Method = models.MethodLLM
	return a
}

// valueFor collapses a threat level onto the HIGH/MEDIUM/LOW value scale.
func valueFor(level models.ThreatLevel) models.ThreatLevel {
	switch {
	case level.AtLeast(models.ThreatHigh):
		return models.ThreatHigh
	case level == models.ThreatMedium:
		return models.ThreatMedium
	default:
		return models.ThreatLow
	}
}

func clampRelevance(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 10:
		return 10
	default:
		return v
	}
}
