package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docent",
			Name:      "search_queries_total",
			Help:      "Total knowledge search queries",
		},
		[]string{"branch"}, // "direct", "anchor", "rewrite"
	)

	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docent",
			Name:      "search_duration_seconds",
			Help:      "Duration of knowledge retrieval in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	searchResultsCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docent",
			Name:      "search_results_count",
			Help:      "Number of snippets returned per retrieval",
			Buckets:   []float64{0, 1, 2, 3, 5, 7, 10},
		},
	)

	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docent",
			Name:      "pipeline_runs_total",
			Help:      "Total chat pipeline invocations",
		},
		[]string{"status"}, // "ok", "quota", "error", "stream_error"
	)

	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docent",
			Name:      "llm_tokens_total",
			Help:      "Estimated LLM tokens consumed",
		},
		[]string{"direction"}, // "input", "output"
	)

	llmDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docent",
			Name:      "llm_duration_seconds",
			Help:      "Duration of completion streaming in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	conversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docent",
			Name:      "conversations_active",
			Help:      "Number of chat responses currently streaming",
		},
	)
)
