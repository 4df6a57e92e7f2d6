package classify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/metrics"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/utils"
)

// Cache stores assessments by key. The redis client satisfies it.
type Cache interface {
	GetAssessment(ctx context.Context, key string) (*models.Assessment, bool, error)
	SetAssessment(ctx context.Context, key string, a *models.Assessment) error
}

// Cached reuses earlier verdicts for unchanged content so an item whose text
// has not changed gets the same rating on every run. Degraded verdicts are
// never stored.
type Cached struct {
	inner Cache
	next  Classifier
	scope string
	now   func() time.Time
}

// NewCached wraps next. scope separates entries of different models or
// prompt versions.
func NewCached(next Classifier, cache Cache, scope string) *Cached {
	return &Cached{inner: cache, next: next, scope: scope, now: time.Now}
}

func (c *Cached) key(item *models.Item) string {
	return utils.HashStrings(c.scope, item.ContentHash)
}

func (c *Cached) Classify(ctx context.Context, item *models.Item) models.Assessment {
	if item.ContentHash == "" {
		return c.next.Classify(ctx, item)
	}
	key := c.key(item)

	hit, ok, err := c.inner.GetAssessment(ctx, key)
	if err != nil {
		logger.Warn("Assessment cache read failed", zap.String("item_id", item.ID), zap.Error(err))
	}
	if ok && hit != nil {
		metrics.CacheHits.WithLabelValues("assessment").Inc()
		a := *hit
		a.ID = 0
		a.ItemID = item.ID
		a.Method = models.MethodCache
		a.Cached = true
		a.CreatedAt = c.now().UTC().Truncate(time.Second)
		return a
	}
	metrics.CacheMisses.WithLabelValues("assessment").Inc()

	a := c.next.Classify(ctx, item)
	if a.Degraded {
		return a
	}
	if err := c.inner.SetAssessment(ctx, key, &a); err != nil {
		logger.Warn("Assessment cache write failed", zap.String("item_id", item.ID), zap.Error(err))
	}
	return a
}
