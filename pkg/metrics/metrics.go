package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters of one sync process. A nil *Metrics is valid
// and records nothing, so components can take it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	storeRequests *prometheus.CounterVec
	storeLatency  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	edgesWritten  prometheus.Counter
	edgesFailed   prometheus.Counter
	newFollows    prometheus.Counter
	scrapeRounds  prometheus.Histogram
	runs          *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

// New registers every followsync metric on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		storeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "followsync_store_requests_total",
			Help: "Record store requests by method and status code",
		}, []string{"method", "status"}),
		storeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "followsync_store_request_duration_seconds",
			Help:    "Record store request latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
		}, []string{"method"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "followsync_retries_total",
			Help: "Retries by error type",
		}, []string{"kind"}),
		edgesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "followsync_edges_written_total",
			Help: "Follow edges persisted to the record store",
		}),
		edgesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "followsync_edges_failed_total",
			Help: "Follow edges that could not be persisted",
		}),
		newFollows: factory.NewCounter(prometheus.CounterOpts{
			Name: "followsync_new_follows_total",
			Help: "Newly discovered follows",
		}),
		scrapeRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "followsync_scrape_rounds",
			Help:    "Scroll rounds needed per extraction",
			Buckets: []float64{3, 5, 10, 20, 50, 100, 200, 500},
		}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "followsync_target_runs_total",
			Help: "Per-target sync outcomes by terminal state",
		}, []string{"state"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "followsync_cache_lookups_total",
			Help: "Account cache lookups by result",
		}, []string{"result"}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.storeRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.storeLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddEdges(written, failed int) {
	if m == nil {
		return
	}
	m.edgesWritten.Add(float64(written))
	m.edgesFailed.Add(float64(failed))
}

func (m *Metrics) AddNewFollows(n int) {
	if m == nil {
		return
	}
	m.newFollows.Add(float64(n))
}

func (m *Metrics) ObserveScrapeRounds(n int) {
	if m == nil {
		return
	}
	m.scrapeRounds.Observe(float64(n))
}

func (m *Metrics) RecordRun(state string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// WriteTextfile writes the registry in the node-exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
