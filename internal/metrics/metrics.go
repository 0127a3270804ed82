// Package metrics holds the Prometheus collectors of the mapping pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Document kinds used as the "kind" label.
const (
	KindChecklist = "checklist"
	KindCatalog   = "catalog"
)

// Parse metrics
var (
	// DocumentsParsedTotal counts parsed documents by kind and result.
	DocumentsParsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stigmap_documents_parsed_total",
			Help: "Total number of parsed CKL and CCI documents by result",
		},
		[]string{"kind", "result"},
	)

	// ParseDuration tracks parse time per document kind.
	ParseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stigmap_parse_duration_seconds",
			Help:    "Document parse duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	// ChecklistsSkippedTotal counts documents dropped from a merge.
	ChecklistsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stigmap_checklists_skipped_total",
			Help: "Total number of checklist documents skipped during merges",
		},
	)
)

// Mapping metrics
var (
	// MappingsTotal counts computed mappings by operation (preview, create, import).
	MappingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stigmap_mappings_total",
			Help: "Total number of computed control mappings",
		},
		[]string{"operation"},
	)

	// MappedControls tracks how many controls a mapping produces.
	MappedControls = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stigmap_mapped_controls",
			Help:    "Number of NIST controls per computed mapping",
			Buckets: []float64{0, 10, 25, 50, 100, 200, 400, 800},
		},
	)

	// ControlVerdictsTotal counts control verdicts by compliance status.
	ControlVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stigmap_control_verdicts_total",
			Help: "Total number of control verdicts by compliance status",
		},
		[]string{"status"},
	)
)

// Cache metrics
var (
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stigmap_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stigmap_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	CacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stigmap_cache_operation_duration_seconds",
			Help:    "Duration of cache operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "status"},
	)
)

// Job metrics
var (
	// JobsProcessedTotal counts background tasks by type and status.
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stigmap_jobs_processed_total",
			Help: "Total number of processed background jobs",
		},
		[]string{"type", "status"},
	)

	// CatalogRefreshesTotal counts scheduled catalog refreshes by status.
	CatalogRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stigmap_catalog_refreshes_total",
			Help: "Total number of scheduled CCI catalog refreshes",
		},
		[]string{"status"},
	)
)

// ObserveParse records one parse of a document of kind.
func ObserveParse(kind string, started time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	DocumentsParsedTotal.WithLabelValues(kind, result).Inc()
	ParseDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// ObserveCacheOperation records a cache call.
func ObserveCacheOperation(operation string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	CacheOperationDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

// RecordJob records a processed background job.
func RecordJob(taskType string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	JobsProcessedTotal.WithLabelValues(taskType, status).Inc()
}
