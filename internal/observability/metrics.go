package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "satip"

// Metrics holds the Prometheus collectors for the ingestion pipeline.
type Metrics struct {
	ScansProcessed   *prometheus.CounterVec // labels: outcome
	FramesAppended   *prometheus.CounterVec // labels: variant
	DownloadBytes    prometheus.Counter
	DownloadDuration prometheus.Histogram
	RunDuration      prometheus.Histogram
	RunsTotal        *prometheus.CounterVec // labels: result={success,fatal,cancelled}
	PipelineState    *prometheus.GaugeVec   // labels: state; 1 for the current state
	PipelineRunning  prometheus.Gauge

	// Provider client metrics.
	TokenRefreshes      prometheus.Counter
	ProviderRequests    *prometheus.CounterVec // labels: provider, class
	TailorJobs          *prometheus.CounterVec // labels: status
	CircuitBreakerState *prometheus.GaugeVec   // labels: name; 0 closed, 1 half-open, 2 open

	// Decoder metrics.
	MaskCache *prometheus.CounterVec // labels: result={hit,miss}
}

func newCollectors() *Metrics {
	return &Metrics{
		ScansProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_processed_total",
			Help:      "Scans handled by the pipeline, by outcome.",
		}, []string{"outcome"}),
		FramesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_appended_total",
			Help:      "Timesteps appended to yearly archives, by variant.",
		}, []string{"variant"}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Native bytes downloaded from providers.",
		}),
		DownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Duration of a single scan download.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete pipeline run.",
			Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by result.",
		}, []string{"result"}),
		PipelineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "1 for the state the pipeline is currently in.",
		}, []string{"state"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is in progress.",
		}),
		TokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Bearer token acquisitions.",
		}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider HTTP requests by failure class.",
		}, []string{"provider", "class"}),
		TailorJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tailor_jobs_total",
			Help:      "Data Tailor customisation jobs by terminal status.",
		}, []string{"status"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		MaskCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mask_cache_total",
			Help:      "Off-disk mask cache lookups by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ScansProcessed, m.FramesAppended, m.DownloadBytes, m.DownloadDuration,
		m.RunDuration, m.RunsTotal, m.PipelineState, m.PipelineRunning,
		m.TokenRefreshes, m.ProviderRequests, m.TailorJobs, m.CircuitBreakerState,
		m.MaskCache,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newCollectors()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics so tests can build many
// instances without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newCollectors()
}
