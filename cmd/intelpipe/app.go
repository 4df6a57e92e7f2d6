package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/cache/redis"
	"github.com/intelpipe/backend/internal/classify"
	"github.com/intelpipe/backend/internal/correlate"
	"github.com/intelpipe/backend/internal/keywords"
	"github.com/intelpipe/backend/internal/kg/builder"
	"github.com/intelpipe/backend/internal/kg/neo4j"
	"github.com/intelpipe/backend/internal/llm"
	"github.com/intelpipe/backend/internal/metrics"
	"github.com/intelpipe/backend/internal/notify"
	"github.com/intelpipe/backend/internal/orchestrator"
	"github.com/intelpipe/backend/internal/pipeline"
	"github.com/intelpipe/backend/internal/sources"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/internal/storage/sqlite"
	"github.com/intelpipe/backend/internal/vector/zilliz"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/tracing"
)

// app holds the dependencies shared by the commands. Optional backends stay
// nil when disabled or unreachable.
type app struct {
	cfg    *config.Config
	loader *config.Loader

	db        *sqlite.Client
	cache     *redis.Client
	graph     *neo4j.Client
	builder   *builder.Builder
	vectors   *zilliz.Client
	completer llm.Completer
	embedder  llm.Embedder

	matcher    *keywords.Matcher
	registry   *sources.Registry
	correlator *correlate.Service
	pipeline   *pipeline.Pipeline
	orch       *orchestrator.Orchestrator

	closers []func()
}

// newApp loads the config and sets up logging, metrics and tracing.
func newApp(ctx context.Context) (*app, error) {
	loader := config.NewLoader(configFile, envFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	metrics.Init()
	for _, w := range cfg.Warnings() {
		logger.Warn("Config incomplete", zap.String("detail", w))
	}

	a := &app{cfg: cfg, loader: loader}
	a.onClose(func() { logger.Sync() })

	shutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	} else {
		a.onClose(func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("Failed to flush traces", zap.Error(err))
			}
		})
	}

	if used := loader.ConfigFileUsed(); used != "" {
		logger.Debug("Config loaded", zap.String("file", used))
	}
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openStore opens the SQLite database and applies the schema.
func (a *app) openStore() error {
	db, err := sqlite.NewClient(a.cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	a.db = db
	a.onClose(func() { db.Close() })
	return nil
}

// openBackends connects the optional services. A backend that fails to
// come up is logged and left out; the run goes on without it.
func (a *app) openBackends(ctx context.Context) {
	cfg := a.cfg

	if cfg.Redis.Enabled {
		client, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			logger.Warn("Redis unavailable, running without cache", zap.Error(err))
		} else {
			a.cache = client
			a.onClose(func() { client.Close() })
		}
	}

	if cfg.Neo4j.Enabled {
		client, err := neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without graph", zap.Error(err))
		} else if err := client.EnsureSchema(ctx); err != nil {
			logger.Warn("Failed to prepare graph schema, running without graph", zap.Error(err))
			client.Close(context.Background())
		} else {
			a.graph = client
			a.builder = builder.NewBuilder(a.db, client)
			a.onClose(func() { client.Close(context.Background()) })
		}
	}

	completer, err := llm.New(cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrDisabled):
		logger.Info("LLM disabled")
	case err != nil:
		logger.Warn("LLM unavailable", zap.Error(err))
	default:
		a.completer = completer
		if e, ok := completer.(llm.Embedder); ok {
			a.embedder = e
		}
	}

	if cfg.Zilliz.Enabled {
		if a.embedder == nil {
			logger.Warn("Vector search needs an embedding model, skipping Zilliz", zap.String("provider", cfg.LLM.Provider))
			return
		}
		client, err := zilliz.NewClient(cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey, cfg.Zilliz.CollectionName, cfg.Zilliz.VectorDim)
		if err != nil {
			logger.Warn("Zilliz unavailable, running without vectors", zap.Error(err))
			return
		}
		if err := client.CreateCollection(ctx); err != nil {
			logger.Warn("Failed to prepare vector collection, running without vectors", zap.Error(err))
			client.Close()
			return
		}
		a.vectors = client
		a.onClose(func() { client.Close() })
	}
}

// loadMatcher builds the keyword matcher from the configured catalog.
func (a *app) loadMatcher() error {
	catalog, err := keywords.Load(a.cfg.Keywords.Path)
	if err != nil {
		return err
	}
	a.matcher = keywords.NewMatcher(catalog)
	return nil
}

// classifier returns the configured classifier. Cached ones reuse verdicts
// from redis; evaluation wants fresh ones.
func (a *app) classifier(cached bool) classify.Classifier {
	var cache classify.Cache
	if cached && a.cache != nil {
		cache = a.cache
	}
	return classify.Build(a.cfg.Pipeline.Classifier, a.completer, cache)
}

func (a *app) buildCorrelator() *correlate.Service {
	opts := []correlate.Option{}
	if a.graph != nil {
		opts = append(opts, correlate.WithGraph(a.builder, a.graph))
	}
	if a.vectors != nil {
		opts = append(opts, correlate.WithVectors(a.vectors, a.embedder))
	}
	if a.cache != nil {
		opts = append(opts, correlate.WithEmbeddingCache(a.cache))
	}
	return correlate.NewService(a.db, opts...)
}

// minLevels collects the per-source threat floors from config.
func minLevels(cfg *config.Config) map[string]models.ThreatLevel {
	out := map[string]models.ThreatLevel{}
	for name, sc := range cfg.Sources {
		if sc.MinThreatLevel == "" {
			continue
		}
		out[name] = models.ParseThreatLevel(sc.MinThreatLevel)
	}
	return out
}

// buildPipeline wires sources, classification and correlation into a
// pipeline and an orchestrator. extra adds serve-only fan-out.
func (a *app) buildPipeline(ctx context.Context, extra []pipeline.Option, orchOpts []orchestrator.Option) error {
	if err := a.openStore(); err != nil {
		return err
	}
	a.openBackends(ctx)
	if err := a.loadMatcher(); err != nil {
		return err
	}

	cfg := a.cfg
	a.registry = sources.FromConfig(cfg, a.matcher)
	a.correlator = a.buildCorrelator()

	opts := []pipeline.Option{pipeline.WithIndexer(a.correlator)}
	if cfg.Pipeline.EnrichIOCs {
		vt := sources.NewVirusTotal(cfg.Sources["virustotal"])
		if vt.Enabled() {
			opts = append(opts, pipeline.WithEnricher(vt))
		} else {
			logger.Warn("IOC enrichment requested but sources.virustotal has no api key")
		}
	}
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram, &http.Client{Timeout: 15 * time.Second})
		if err != nil {
			logger.Warn("Telegram notifications disabled", zap.Error(err))
		} else {
			opts = append(opts, pipeline.WithNotifier(tg))
		}
	}
	opts = append(opts, extra...)

	a.pipeline = pipeline.New(pipeline.Config{
		FetchTimeout:    cfg.Pipeline.FetchTimeout,
		ClassifyTimeout: cfg.Pipeline.ClassifyTimeout,
		PersistTimeout:  cfg.Pipeline.PersistTimeout,
		MinLevels:       minLevels(cfg),
		BloomCapacity:   cfg.Pipeline.BloomCapacity,
		BloomHashes:     cfg.Pipeline.BloomHashes,
	}, a.db, a.classifier(true), a.matcher, opts...)
	if err := a.pipeline.Warm(ctx); err != nil {
		logger.Warn("Failed to warm dedup filter", zap.Error(err))
	}

	if a.completer != nil {
		orchOpts = append(orchOpts, orchestrator.WithSummarizer(a.completer))
	}
	a.orch = orchestrator.New(orchestrator.Config{
		Concurrency: cfg.Pipeline.Concurrency,
		RunTimeout:  cfg.Pipeline.RunTimeout,
		ReportDir:   cfg.Report.Dir,
		Summary:     cfg.Report.Summary,
	}, a.registry, a.pipeline, a.db, orchOpts...)
	return nil
}
