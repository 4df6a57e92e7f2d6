package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/classify"
	"github.com/intelpipe/backend/internal/keywords"
	"github.com/intelpipe/backend/internal/metrics"
	"github.com/intelpipe/backend/internal/sources"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/storage/sqlite"
	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/tracing"
)

// Store is the persistence the pipeline writes through.
type Store interface {
	HashLookup
	UpsertAssessedItem(ctx context.Context, item *models.Item, a *models.Assessment) (sqlite.UpsertResult, error)
	RecordFeedRun(ctx context.Context, source, status string, fetched int, complete bool, runErr error, at time.Time) error
}

type Enricher interface {
	Enabled() bool
	Enrich(ctx context.Context, item *models.Item) []*sources.Enrichment
}

type Indexer interface {
	Index(ctx context.Context, item *models.Item) error
}

type Broadcaster interface {
	BroadcastItem(entry models.AssessedItem)
}

type Notifier interface {
	Notify(ctx context.Context, entry models.AssessedItem) error
}

type Config struct {
	FetchTimeout    time.Duration
	ClassifyTimeout time.Duration
	PersistTimeout  time.Duration
	// MinLevels drops items assessed below a per-source level.
	MinLevels     map[string]models.ThreatLevel
	BloomCapacity uint
	BloomHashes   uint
}

// Pipeline runs one source through fetch, keyword matching, dedup,
// classification, persistence and correlation. It is safe to run several
// sources concurrently; items of one source are processed in order.
type Pipeline struct {
	cfg        Config
	store      Store
	classifier classify.Classifier
	matcher    *keywords.Matcher
	seen       *seenFilter
	enricher   Enricher
	indexer    Indexer
	broadcast  Broadcaster
	notifier   Notifier
	now        func() time.Time
}

type Option func(*Pipeline)

func WithEnricher(e Enricher) Option { return func(p *Pipeline) { p.enricher = e } }

func WithIndexer(i Indexer) Option { return func(p *Pipeline) { p.indexer = i } }

func WithBroadcaster(b Broadcaster) Option { return func(p *Pipeline) { p.broadcast = b } }

func WithNotifier(n Notifier) Option { return func(p *Pipeline) { p.notifier = n } }

func New(cfg Config, store Store, classifier classify.Classifier, matcher *keywords.Matcher, opts ...Option) *Pipeline {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = 45 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	p := &Pipeline{
		cfg:        cfg,
		store:      store,
		classifier: classifier,
		matcher:    matcher,
		seen:       newSeenFilter(store, cfg.BloomCapacity, cfg.BloomHashes),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Warm seeds the dedup filter from the store. Without it every item is
// checked against the store only after a bloom hit, so stored content would
// be reclassified once.
func (p *Pipeline) Warm(ctx context.Context) error {
	n, err := p.seen.warm(ctx)
	if err != nil {
		return fmt.Errorf("failed to warm dedup filter: %w", err)
	}
	logger.Info("Dedup filter warmed", zap.Int("hashes", n))
	return nil
}

// Output is what one source produced in a run.
type Output struct {
	Result models.SourceResult
	Items  []models.AssessedItem
}

// Run processes one source. It never panics and never returns an error:
// failures are reported in the result status and recorded in feed status.
func (p *Pipeline) Run(ctx context.Context, src sources.Source, cur sources.Cursor) (out Output) {
	name := src.Name()
	start := p.now()
	out.Result = models.SourceResult{Name: name}

	ctx, span := tracing.Start(ctx, "pipeline.run", attribute.String("source", name))
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("panic: %v", r)
			out.Result.Status = models.FeedFailed
			out.Result.Complete = false
			logger.Error("Pipeline panicked",
				zap.String("source", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		if runErr != nil {
			out.Result.Error = runErr.Error()
		}
		out.Result.Duration = p.now().Sub(start)
		metrics.RunDuration.WithLabelValues(name).Observe(out.Result.Duration.Seconds())
		p.recordFeed(ctx, name, out.Result, runErr)
		tracing.End(span, runErr)
	}()

	items, fetchErr := p.fetch(ctx, src, cur)
	out.Result.Fetched = len(items)
	runErr = fetchErr

	if fetchErr != nil && len(items) == 0 {
		out.Result.Status = fetchStatus(fetchErr)
		return out
	}

	degraded := fetchErr != nil
	pending := len(items)
	for _, item := range items {
		if ctx.Err() != nil {
			runErr = errors.Join(runErr, ctx.Err())
			degraded = true
			break
		}
		pending--
		entry, res, err := p.processItem(ctx, name, item)
		switch res {
		case outcomeStored:
			out.Result.Stored++
			out.Items = append(out.Items, entry)
			if entry.Assessment.Degraded {
				degraded = true
			}
		case outcomeDuplicate:
			out.Result.Duplicates++
		case outcomeFiltered:
			out.Result.Filtered++
		case outcomeFailed:
			degraded = true
			pending++
			runErr = errors.Join(runErr, err)
		}
	}

	// A partial fetch or any item left unstored keeps the cursor where it was.
	out.Result.Complete = fetchErr == nil && pending == 0
	out.Result.Status = models.FeedOK
	if degraded {
		out.Result.Status = models.FeedDegraded
	}

	logger.Info("Source processed",
		zap.String("source", name),
		zap.String("status", out.Result.Status),
		zap.Int("fetched", out.Result.Fetched),
		zap.Int("stored", out.Result.Stored),
		zap.Int("duplicates", out.Result.Duplicates),
		zap.Int("filtered", out.Result.Filtered),
		zap.Bool("complete", out.Result.Complete),
	)
	return out
}

func fetchStatus(err error) string {
	if errors.Is(err, sources.ErrMissingCredentials) {
		return models.FeedSkipped
	}
	return models.FeedFailed
}

func (p *Pipeline) fetch(ctx context.Context, src sources.Source, cur sources.Cursor) ([]*models.Item, error) {
	name := src.Name()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	ctx, span := tracing.Start(ctx, "pipeline.fetch", attribute.String("source", name))

	items, err := src.Fetch(ctx, cur)
	tracing.End(span, err)

	metrics.ItemsFetched.WithLabelValues(name).Add(float64(len(items)))
	if err != nil {
		reason := "error"
		var se *sources.StatusError
		switch {
		case errors.Is(err, sources.ErrMissingCredentials):
			reason = "credentials"
			logger.Warn("Source skipped, credentials missing", zap.String("source", name))
		case errors.As(err, &se):
			reason = fmt.Sprintf("http_%d", se.StatusCode)
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		case errors.Is(err, sources.ErrNoResults):
			reason = "no_results"
		}
		metrics.FetchFailures.WithLabelValues(name, reason).Inc()
		if reason != "credentials" {
			logger.Warn("Source fetch failed",
				zap.String("source", name),
				zap.String("reason", reason),
				zap.Int("partial_items", len(items)),
				zap.Error(err),
			)
		}
	}

	kept := items[:0]
	for _, it := range items {
		if it != nil {
			kept = append(kept, it)
		}
	}
	return kept, err
}

type outcome int

const (
	outcomeStored outcome = iota
	outcomeDuplicate
	outcomeFiltered
	outcomeFailed
)

func (p *Pipeline) processItem(ctx context.Context, source string, item *models.Item) (models.AssessedItem, outcome, error) {
	ctx, span := tracing.Start(ctx, "pipeline.item",
		attribute.String("source", source),
		attribute.String("item_id", item.ID),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	p.matchKeywords(item)

	seen, lookupErr := p.seen.seen(ctx, item.ContentHash)
	if lookupErr != nil {
		logger.Warn("Dedup lookup failed, processing item", zap.String("item_id", item.ID), zap.Error(lookupErr))
	}
	if seen {
		metrics.ItemsSkipped.WithLabelValues(source, "duplicate").Inc()
		return models.AssessedItem{}, outcomeDuplicate, nil
	}

	assessment := p.classify(ctx, item)
	metrics.Classifications.WithLabelValues(assessment.Method, string(assessment.ThreatLevel)).Inc()

	if floor, ok := p.cfg.MinLevels[source]; ok && !assessment.Degraded && !assessment.ThreatLevel.AtLeast(floor) {
		metrics.ItemsSkipped.WithLabelValues(source, "below_threshold").Inc()
		logger.Debug("Item below source threshold",
			zap.String("item_id", item.ID),
			zap.String("level", string(assessment.ThreatLevel)),
			zap.String("min", string(floor)),
		)
		return models.AssessedItem{}, outcomeFiltered, nil
	}

	if p.enricher != nil && p.enricher.Enabled() && len(item.Indicators) > 0 && assessment.ThreatLevel.AtLeast(models.ThreatHigh) {
		enrichCtx, span := tracing.Start(ctx, "pipeline.enrich")
		found := p.enricher.Enrich(enrichCtx, item)
		span.SetAttributes(attribute.Int("enrichments", len(found)))
		tracing.End(span, nil)
	}

	if err = p.persist(ctx, item, &assessment); err != nil {
		logger.Error("Failed to persist item",
			zap.String("source", source),
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		return models.AssessedItem{}, outcomeFailed, err
	}
	p.seen.add(item.ContentHash)
	metrics.ItemsStored.WithLabelValues(source).Inc()

	entry := models.AssessedItem{Item: *item, Assessment: assessment}
	p.fanOut(ctx, entry)
	return entry, outcomeStored, nil
}

func (p *Pipeline) matchKeywords(item *models.Item) {
	if p.matcher == nil {
		return
	}
	hits := p.matcher.Match(strings.Join([]string{item.Title, item.Description, strings.Join(item.Tags, " ")}, "\n"))
	if len(hits) == 0 {
		return
	}
	if item.Keywords == nil {
		item.Keywords = make(map[string][]string, len(hits))
	}
	for cat, kws := range hits {
		item.Keywords[cat] = mergeKeywords(item.Keywords[cat], kws)
	}
}

func mergeKeywords(have, add []string) []string {
	seen := make(map[string]bool, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, kw := range append(append([]string{}, have...), add...) {
		if !seen[kw] {
			seen[kw] = true
			out = append(out, kw)
		}
	}
	return out
}

func (p *Pipeline) classify(ctx context.Context, item *models.Item) models.Assessment {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ClassifyTimeout)
	defer cancel()
	ctx, span := tracing.Start(ctx, "pipeline.classify")
	a := p.classifier.Classify(ctx, item)
	span.SetAttributes(
		attribute.String("method", a.Method),
		attribute.String("threat_level", string(a.ThreatLevel)),
		attribute.Bool("degraded", a.Degraded),
	)
	tracing.End(span, nil)
	return a
}

func (p *Pipeline) persist(ctx context.Context, item *models.Item, a *models.Assessment) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	defer cancel()
	ctx, span := tracing.Start(ctx, "pipeline.persist")

	res, err := p.store.UpsertAssessedItem(ctx, item, a)
	if err != nil {
		tracing.End(span, err)
		return fmt.Errorf("failed to store item: %w", err)
	}
	span.SetAttributes(attribute.Bool("inserted", res.Inserted), attribute.Bool("changed", res.Changed))
	tracing.End(span, nil)
	return nil
}

// fanOut hands a stored item to correlation, the dashboard and alerting.
// None of them can fail the item.
func (p *Pipeline) fanOut(ctx context.Context, entry models.AssessedItem) {
	if p.indexer != nil {
		ictx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
		if err := p.indexer.Index(ictx, &entry.Item); err != nil {
			logger.Warn("Correlation indexing failed", zap.String("item_id", entry.Item.ID), zap.Error(err))
		}
		cancel()
	}
	if p.broadcast != nil {
		p.broadcast.BroadcastItem(entry)
	}
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, entry); err != nil {
			logger.Warn("Notification failed", zap.String("item_id", entry.Item.ID), zap.Error(err))
		}
	}
}

func (p *Pipeline) recordFeed(ctx context.Context, source string, r models.SourceResult, runErr error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()
	if err := p.store.RecordFeedRun(rctx, source, r.Status, r.Fetched, r.Complete, runErr, p.now().UTC()); err != nil {
		logger.Error("Failed to record feed status", zap.String("source", source), zap.Error(err))
	}
}
