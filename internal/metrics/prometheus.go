package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelpipe_items_fetched_total",
			Help: "Total records returned by source adapters",
		},
		[]string{"source"},
	)

	ItemsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelpipe_items_stored_total",
			Help: "Total items written to the store",
		},
		[]string{"source"},
	)

	ItemsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelpipe_items_skipped_total",
			Help: "Items dropped before classification",
		},
		[]string{"source", "reason"},
	)

	FetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelpipe_fetch_failures_total",
			Help: "Total failed source fetches",
		},
		[]string{"source", "reason"},
	)

	Classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelpipe_classifications_total",
			Help: "Assessments produced, by method and threat level",
		},
		[]string{"method", "threat_level"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelpipe_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intelpipe_run_duration_seconds",
			Help:    "Per-source pipeline run duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"source"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelpipe_assessment_cache_hits_total",
			Help: "Total assessment cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelpipe_assessment_cache_misses_total",
			Help: "Total assessment cache misses",
		},
		[]string{"cache_type"},
	)

	CorrelationsFound = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intelpipe_correlations_found",
			Help:    "Related items returned per correlation lookup",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"reason"},
	)

	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intelpipe_ws_clients",
			Help: "Connected dashboard WebSocket clients",
		},
	)

	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelpipe_notifications_sent_total",
			Help: "Alerts pushed to chat",
		},
		[]string{"status"},
	)

	DriftAgreement = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intelpipe_classification_agreement_ratio",
			Help: "Share of re-classified items matching their stored threat level",
		},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call twice.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ItemsFetched)
		prometheus.MustRegister(ItemsStored)
		prometheus.MustRegister(ItemsSkipped)
		prometheus.MustRegister(FetchFailures)
		prometheus.MustRegister(Classifications)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(RunDuration)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(CorrelationsFound)
		prometheus.MustRegister(WSClients)
		prometheus.MustRegister(NotificationsSent)
		prometheus.MustRegister(DriftAgreement)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
