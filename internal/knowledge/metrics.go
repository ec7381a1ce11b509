package knowledge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	embedCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docent",
			Name:      "embed_calls_total",
			Help:      "Total embedding API calls",
		},
		[]string{"status"},
	)

	embedDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docent",
			Name:      "embed_duration_seconds",
			Help:      "Duration of embedding API calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	chunksFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docent",
			Name:      "chunks_filtered_total",
			Help:      "Total chunks filtered during embedding",
		},
		[]string{"reason"},
	)

	trainRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docent",
			Name:      "train_runs_total",
			Help:      "Total knowledge base training runs",
		},
		[]string{"status"},
	)
)
