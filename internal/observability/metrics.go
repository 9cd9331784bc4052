package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	modelCallTotal     *prometheus.CounterVec
	modelCallDuration  *prometheus.HistogramVec
	modelRetryTotal    *prometheus.CounterVec
	modelFallbackTotal *prometheus.CounterVec

	activeSessions          prometheus.Gauge
	sessionTransitionsTotal *prometheus.CounterVec
	checkpointRestoreTotal  prometheus.Counter

	knowledgeSearchDuration prometheus.Histogram
	knowledgeIndexDuration  prometheus.Histogram
	knowledgeEntriesTotal   prometheus.Gauge
	searchCacheTotal        *prometheus.CounterVec

	extractionRunTotal      *prometheus.CounterVec
	extractionEntitiesTotal *prometheus.CounterVec

	tokensTotal  *prometheus.CounterVec
	costTotal    prometheus.Counter
	savingsTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Total model calls by backend and status.",
				},
				[]string{"backend", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model call duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			modelRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_retry_total",
					Help: "Total model call retries by backend and error category.",
				},
				[]string{"backend", "category"},
			),
			modelFallbackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_fallback_total",
					Help: "Total fallbacks away from a backend after exhausting it.",
				},
				[]string{"backend"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionTransitionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_transitions_total",
					Help: "Total session status transitions by target status.",
				},
				[]string{"status"},
			),
			checkpointRestoreTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "checkpoint_restore_total",
					Help: "Total checkpoint restores.",
				},
			),
			knowledgeSearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "knowledge_search_duration_seconds",
					Help:    "Knowledge base search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeIndexDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "knowledge_index_duration_seconds",
					Help:    "Knowledge base index operation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeEntriesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "knowledge_entries_total",
					Help: "Total knowledge entries stored in the vector store.",
				},
			),
			searchCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "search_cache_total",
					Help: "Search cache lookups by result (hit/miss).",
				},
				[]string{"result"},
			),
			extractionRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "extraction_run_total",
					Help: "Total knowledge extraction runs by status.",
				},
				[]string{"status"},
			),
			extractionEntitiesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "extraction_entities_total",
					Help: "Total extracted knowledge entities by outcome.",
				},
				[]string{"outcome"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tokens_total",
					Help: "Total tokens consumed by kind (prompt/completion).",
				},
				[]string{"kind"},
			),
			costTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "cost_usd_total",
					Help: "Total accumulated model cost in USD.",
				},
			),
			savingsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "savings_usd_total",
					Help: "Total accumulated savings in USD.",
				},
			),
		}

		prometheus.MustRegister(
			m.modelCallTotal,
			m.modelCallDuration,
			m.modelRetryTotal,
			m.modelFallbackTotal,
			m.activeSessions,
			m.sessionTransitionsTotal,
			m.checkpointRestoreTotal,
			m.knowledgeSearchDuration,
			m.knowledgeIndexDuration,
			m.knowledgeEntriesTotal,
			m.searchCacheTotal,
			m.extractionRunTotal,
			m.extractionEntitiesTotal,
			m.tokensTotal,
			m.costTotal,
			m.savingsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordModelCall(backend string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(backend, status).Inc()
	m.modelCallDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordModelRetry(backend, category string) {
	getMetrics().modelRetryTotal.WithLabelValues(backend, category).Inc()
}

func RecordModelFallback(backend string) {
	getMetrics().modelFallbackTotal.WithLabelValues(backend).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionTransition(status string) {
	getMetrics().sessionTransitionsTotal.WithLabelValues(status).Inc()
}

func RecordCheckpointRestore() {
	getMetrics().checkpointRestoreTotal.Inc()
}

func RecordKnowledgeSearch(duration time.Duration) {
	getMetrics().knowledgeSearchDuration.Observe(duration.Seconds())
}

func RecordKnowledgeIndex(duration time.Duration) {
	getMetrics().knowledgeIndexDuration.Observe(duration.Seconds())
}

func SetKnowledgeEntries(total int) {
	getMetrics().knowledgeEntriesTotal.Set(float64(total))
}

func RecordSearchCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().searchCacheTotal.WithLabelValues(result).Inc()
}

func RecordExtractionRun(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().extractionRunTotal.WithLabelValues(status).Inc()
}

func RecordExtractionEntity(outcome string) {
	getMetrics().extractionEntitiesTotal.WithLabelValues(outcome).Inc()
}

func RecordTokens(promptTokens, completionTokens int) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	m.tokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
}

func RecordCost(usd float64) {
	if usd > 0 {
		getMetrics().costTotal.Add(usd)
	}
}

func RecordSavings(usd float64) {
	if usd > 0 {
		getMetrics().savingsTotal.Add(usd)
	}
}
