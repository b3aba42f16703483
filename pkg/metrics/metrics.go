package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	HypervisorSlotsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ipd_hypervisor_slots_free",
			Help: "Number of hypervisor slots currently idle in the pool",
		},
	)

	BuildsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ipd_builds_queued",
			Help: "Number of builds waiting for a free hypervisor slot",
		},
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipd_builds_total",
			Help: "Total number of builds by terminal status",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ipd_build_duration_seconds",
			Help:    "Time from pairing a build with a hypervisor to its terminal status",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	// Lifecycle driver metrics
	PhoneHomeWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ipd_phone_home_wait_seconds",
			Help:    "Time spent polling the rendezvous record for status=running",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	HypervisorRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ipd_hypervisor_rpc_duration_seconds",
			Help:    "Hypervisor RPC duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	SSHCommandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ipd_ssh_command_duration_seconds",
			Help:    "Time taken to execute one build step over the SSH command channel",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Metadata server metrics
	MetadataRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipd_metadata_requests_total",
			Help: "Total number of metadata server requests by tree and status",
		},
		[]string{"tree", "status"},
	)

	PhoneHomeTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ipd_phone_home_total",
			Help: "Total number of phone-home callbacks received",
		},
	)

	// Admin HTTP metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipd_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ipd_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(HypervisorSlotsFree)
	prometheus.MustRegister(BuildsQueued)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(PhoneHomeWaitDuration)
	prometheus.MustRegister(HypervisorRPCDuration)
	prometheus.MustRegister(SSHCommandDuration)
	prometheus.MustRegister(MetadataRequestsTotal)
	prometheus.MustRegister(PhoneHomeTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
