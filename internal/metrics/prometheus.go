package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedback_triage_runs_total",
			Help: "Batch runs by schema and final status",
		},
		[]string{"schema", "status"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedback_triage_run_duration_seconds",
			Help:    "Wall time of a batch run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"schema"},
	)

	RowsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedback_triage_rows_processed_total",
			Help: "Feedback rows attempted, by outcome",
		},
		[]string{"schema", "outcome"},
	)

	ParseMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedback_triage_parse_misses_total",
			Help: "Replies from which a field could not be extracted",
		},
		[]string{"schema", "field"},
	)

	InFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedback_triage_llm_in_flight",
			Help: "Completion requests currently outstanding",
		},
	)

	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedback_triage_llm_request_duration_seconds",
			Help:    "Completion request latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedback_triage_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedback_triage_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedback_triage_cache_hits_total",
			Help: "Total reply cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedback_triage_cache_misses_total",
			Help: "Total reply cache misses",
		},
		[]string{"cache_type"},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			RunDuration,
			RowsProcessed,
			ParseMisses,
			InFlightRequests,
			LLMRequestDuration,
			LLMTokensUsed,
			CircuitState,
			CacheHits,
			CacheMisses,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
