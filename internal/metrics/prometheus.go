package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync engine
type Metrics struct {
	// Download metrics
	CommitsDownloadedTotal prometheus.Counter
	BatchDownloadsTotal    *prometheus.CounterVec
	BatchDownloadDuration  prometheus.Histogram
	DownloadRetriesTotal   prometheus.Counter

	// Upload metrics
	CommitsUploadedTotal prometheus.Counter
	UploadBatchesTotal   *prometheus.CounterVec
	UploadRetriesTotal   prometheus.Counter

	// Merge metrics
	MergesTotal       *prometheus.CounterVec
	MergeDuration     prometheus.Histogram
	AncestorWalkSteps prometheus.Histogram

	// Registry metrics
	ActivePageSyncs prometheus.Gauge

	// Mesh metrics
	MeshMembersTotal prometheus.Gauge
	MeshNoticesTotal *prometheus.CounterVec

	// Runtime metrics
	GoroutineCount prometheus.Gauge
	HeapAllocBytes prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(deviceID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"device_id": deviceID}
	factory := promauto.With(reg)

	return &Metrics{
		CommitsDownloadedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ledger",
			Subsystem:   "sync",
			Name:        "commits_downloaded_total",
			Help:        "Total number of commits applied from the cloud",
			ConstLabels: labels,
		}),
		BatchDownloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ledger",
			Subsystem:   "sync",
			Name:        "batch_downloads_total",
			Help:        "Total number of batch downloads by result",
			ConstLabels: labels,
		}, []string{"result"}),
		BatchDownloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ledger",
			Subsystem:   "sync",
			Name:        "batch_download_duration_seconds",
			Help:        "Histogram of batch download durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		DownloadRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ledger",
			Subsystem:   "sync",
			Name:        "download_retries_total",
			Help:        "Total number of download retries after transient errors",
			ConstLabels: labels,
		}),
		CommitsUploadedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ledger",
			Subsystem:   "sync",
			Name:        "commits_uploaded_total",
			Help:        "Total number of commits uploaded to the cloud",
			ConstLabels: labels,
		}),
		UploadBatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ledger",
			Subsystem:   "sync",
			Name:        "upload_batches_total",
			Help:        "Total number of upload batches by result",
			ConstLabels: labels,
		}, []string{"result"}),
		UploadRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ledger",
			Subsystem:   "sync",
			Name:        "upload_retries_total",
			Help:        "Total number of upload retries after transient errors",
			ConstLabels: labels,
		}),
		MergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ledger",
			Subsystem:   "merge",
			Name:        "merges_total",
			Help:        "Total number of merge attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ledger",
			Subsystem:   "merge",
			Name:        "merge_duration_seconds",
			Help:        "Histogram of merge durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		AncestorWalkSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ledger",
			Subsystem:   "merge",
			Name:        "ancestor_walk_steps",
			Help:        "Histogram of frontier expansions per common-ancestor walk",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ActivePageSyncs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ledger",
			Subsystem:   "sync",
			Name:        "active_page_syncs",
			Help:        "Number of page syncs currently registered",
			ConstLabels: labels,
		}),
		MeshMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ledger",
			Subsystem:   "p2p",
			Name:        "mesh_members_total",
			Help:        "Number of devices currently in the mesh",
			ConstLabels: labels,
		}),
		MeshNoticesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ledger",
			Subsystem:   "p2p",
			Name:        "mesh_notices_total",
			Help:        "Total number of commit notices by direction",
			ConstLabels: labels,
		}, []string{"direction"}),
		GoroutineCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ledger",
			Subsystem:   "runtime",
			Name:        "goroutines",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
		HeapAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ledger",
			Subsystem:   "runtime",
			Name:        "heap_alloc_bytes",
			Help:        "Bytes of allocated heap objects",
			ConstLabels: labels,
		}),
	}
}

// UpdateRuntimeStats updates process-level runtime metrics.
func (m *Metrics) UpdateRuntimeStats(heapAlloc int64, goroutines int) {
	m.HeapAllocBytes.Set(float64(heapAlloc))
	m.GoroutineCount.Set(float64(goroutines))
}

// NewNopMetrics creates metrics bound to a throwaway registry, for tests.
func NewNopMetrics() *Metrics {
	return NewMetrics("test", prometheus.NewRegistry())
}
