package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/llm"
	"github.com/intelpipe/backend/internal/pipeline"
	"github.com/intelpipe/backend/internal/sources"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/storage/sqlite"
	"github.com/intelpipe/backend/pkg/logger"
)

var ErrRunInProgress = errors.New("a run is already in progress")

// Runner processes one source; *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, src sources.Source, cur sources.Cursor) pipeline.Output
}

type Store interface {
	GetFeedStatus(ctx context.Context, source string) (*models.FeedStatus, error)
	InsertReport(ctx context.Context, r *models.Report) error
}

type SummaryBroadcaster interface {
	BroadcastSummary(r *models.Report)
}

type Config struct {
	Concurrency int
	RunTimeout  time.Duration
	ReportDir   string
	Summary     bool
	// SummaryItems caps how many items the summary prompt lists.
	SummaryItems int
}

// Orchestrator runs several sources through the pipeline and folds their
// output into one report. One source failing never stops the others.
type Orchestrator struct {
	cfg        Config
	registry   *sources.Registry
	runner     Runner
	store      Store
	summarizer llm.Completer
	broadcast  SummaryBroadcaster

	running sync.Mutex
	now     func() time.Time
	newID   func() string
}

type Option func(*Orchestrator)

func WithSummarizer(c llm.Completer) Option {
	return func(o *Orchestrator) { o.summarizer = c }
}

func WithBroadcaster(b SummaryBroadcaster) Option {
	return func(o *Orchestrator) { o.broadcast = b }
}

func New(cfg Config, registry *sources.Registry, runner Runner, store Store, opts ...Option) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.SummaryItems <= 0 {
		cfg.SummaryItems = 25
	}
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		runner:   runner,
		store:    store,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOptions selects what a run does. Empty Sources means every enabled
// source; a nil Summary follows the configured default.
type RunOptions struct {
	Sources []string
	Summary *bool
}

// Run executes one orchestrated run. Only a bad request, an overlapping
// run or a failure to save the report is returned as an error; source
// failures are recorded in the report.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*models.Report, error) {
	names, err := o.resolve(opts.Sources)
	if err != nil {
		return nil, err
	}
	if !o.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.running.Unlock()
	return o.run(ctx, names, opts)
}

// Go starts a run in the background and returns once it has been accepted.
// done, when set, receives the outcome.
func (o *Orchestrator) Go(ctx context.Context, opts RunOptions, done func(*models.Report, error)) error {
	names, err := o.resolve(opts.Sources)
	if err != nil {
		return err
	}
	if !o.running.TryLock() {
		return ErrRunInProgress
	}
	go func() {
		defer o.running.Unlock()
		report, err := o.run(ctx, names, opts)
		if err != nil {
			logger.Error("Background run failed", zap.Error(err))
		}
		if done != nil {
			done(report, err)
		}
	}()
	return nil
}

// Collect runs one source through the pipeline without building a report.
// It holds the same lock as Run so the two never overlap.
func (o *Orchestrator) Collect(ctx context.Context, name string) (pipeline.Output, error) {
	src, err := o.registry.Get(name)
	if err != nil {
		return pipeline.Output{}, err
	}
	if !o.running.TryLock() {
		return pipeline.Output{}, ErrRunInProgress
	}
	defer o.running.Unlock()

	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}
	out := o.runner.Run(ctx, src, o.cursor(ctx, name))
	SortBySeverity(out.Items)
	return out, nil
}

// Busy reports whether a run is in progress.
func (o *Orchestrator) Busy() bool {
	if o.running.TryLock() {
		o.running.Unlock()
		return false
	}
	return true
}

func (o *Orchestrator) run(ctx context.Context, names []string, opts RunOptions) (*models.Report, error) {
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	report := &models.Report{
		ID:            o.newID(),
		StartedAt:     o.now().UTC(),
		ThreatSummary: map[models.ThreatLevel]int{},
		SourceSummary: map[string]int{},
	}
	logger.Info("Run started", zap.String("run_id", report.ID), zap.Strings("sources", names))

	outputs := o.runSources(ctx, names)
	for _, out := range outputs {
		report.Sources = append(report.Sources, out.Result)
		report.SourceSummary[out.Result.Name] = out.Result.Stored
		if out.Result.Status == models.FeedFailed || out.Result.Status == models.FeedDegraded {
			report.Degraded = true
		}
		for _, entry := range out.Items {
			report.ThreatSummary[entry.Assessment.ThreatLevel]++
			report.Items = append(report.Items, entry)
		}
	}

	SortBySeverity(report.Items)

	summarize := o.cfg.Summary
	if opts.Summary != nil {
		summarize = *opts.Summary
	}
	if summarize && o.summarizer != nil && len(report.Items) > 0 {
		text, err := o.summarize(ctx, report.Items)
		if err != nil {
			logger.Warn("Run summary failed", zap.String("run_id", report.ID), zap.Error(err))
			report.Degraded = true
		}
		report.Summary = text
	}

	report.FinishedAt = o.now().UTC()

	if err := o.save(context.WithoutCancel(ctx), report); err != nil {
		return report, err
	}
	if o.broadcast != nil {
		o.broadcast.BroadcastSummary(report)
	}

	logger.Info("Run finished",
		zap.String("run_id", report.ID),
		zap.Int("items", len(report.Items)),
		zap.Bool("degraded", report.Degraded),
		zap.String("path", report.Path),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (o *Orchestrator) resolve(requested []string) ([]string, error) {
	if len(requested) == 0 {
		names := o.registry.Enabled()
		if len(names) == 0 {
			return nil, errors.New("no sources enabled")
		}
		return names, nil
	}
	seen := make(map[string]bool, len(requested))
	var names []string
	for _, n := range requested {
		if !o.registry.Has(n) {
			return nil, fmt.Errorf("unknown source %q", n)
		}
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names, nil
}

// runSources fans sources out over a bounded set of workers and returns
// their outputs in the order the names were given.
func (o *Orchestrator) runSources(ctx context.Context, names []string) []pipeline.Output {
	outputs := make([]pipeline.Output, len(names))
	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Source worker panicked", zap.String("source", name), zap.Any("panic", r))
					outputs[i] = pipeline.Output{Result: models.SourceResult{
						Name:   name,
						Status: models.FeedFailed,
						Error:  fmt.Sprintf("panic: %v", r),
					}}
				}
			}()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outputs[i] = pipeline.Output{Result: models.SourceResult{
					Name:   name,
					Status: models.FeedFailed,
					Error:  ctx.Err().Error(),
				}}
				return
			}

			src, err := o.registry.Get(name)
			if err != nil {
				outputs[i] = pipeline.Output{Result: models.SourceResult{Name: name, Status: models.FeedFailed, Error: err.Error()}}
				return
			}
			outputs[i] = o.runner.Run(ctx, src, o.cursor(ctx, name))
		}(i, name)
	}

	wg.Wait()
	return outputs
}

// cursorOverlap re-reads a day before the last success because several
// providers only date records to the day. Dedup absorbs the repeats.
const cursorOverlap = 24 * time.Hour

// cursor resumes a source from its last successful run.
func (o *Orchestrator) cursor(ctx context.Context, name string) sources.Cursor {
	fs, err := o.store.GetFeedStatus(ctx, name)
	if err != nil {
		if !errors.Is(err, sqlite.ErrNotFound) {
			logger.Warn("Failed to read feed status", zap.String("source", name), zap.Error(err))
		}
		return sources.Cursor{}
	}
	if fs.LastSuccess.IsZero() {
		return sources.Cursor{}
	}
	return sources.Cursor{Since: fs.LastSuccess.Add(-cursorOverlap)}
}

func (o *Orchestrator) summarize(ctx context.Context, items []models.AssessedItem) (string, error) {
	resp, err := o.summarizer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: llm.SummarySystemPrompt,
		UserPrompt:   llm.SummaryPrompt(items, o.cfg.SummaryItems),
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (o *Orchestrator) save(ctx context.Context, r *models.Report) error {
	if o.cfg.ReportDir != "" {
		path, err := WriteReport(o.cfg.ReportDir, r)
		if err != nil {
			return err
		}
		r.Path = path
	}
	if err := o.store.InsertReport(ctx, r); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// WriteReport writes r as indented JSON into dir and returns the file path.
func WriteReport(dir string, r *models.Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	name := fmt.Sprintf("report-%s-%s.json", r.StartedAt.UTC().Format("20060102T150405Z"), shortID(r.ID))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SortBySeverity orders report items most severe first, then newest.
func SortBySeverity(items []models.AssessedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Assessment.ThreatLevel.Rank(), items[j].Assessment.ThreatLevel.Rank()
		if ri != rj {
			return ri > rj
		}
		return items[i].Item.PublishedAt.After(items[j].Item.PublishedAt)
	})
}
