package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "indexer_tick_duration_seconds",
		Help:    "Duration of a full scheduler tick",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	metricTicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_ticks_skipped_total",
		Help: "Ticks skipped because the previous tick was still running",
	})
	metricFactsIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_facts_indexed_total",
		Help: "Fact statements inserted",
	}, []string{"network"})
	metricFactsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_facts_skipped_total",
		Help: "Fact statements skipped as already indexed",
	}, []string{"network"})
	metricSyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_sync_errors_total",
		Help: "Per-network sync failures",
	}, []string{"network"})
	metricRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_rollbacks_total",
		Help: "Chain rollbacks detected and repaired",
	}, []string{"network"})
	metricCheckpointSlot = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "indexer_checkpoint_slot",
		Help: "Last committed checkpoint slot",
	}, []string{"network"})
	metricArchivesIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_archives_indexed_total",
		Help: "Archival packages resolved into node/source records",
	}, []string{"network"})
	metricArchiveFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_archive_failures_total",
		Help: "Archival packages that failed to resolve this tick",
	}, []string{"network"})
)
