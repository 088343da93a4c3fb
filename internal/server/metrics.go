package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus metrics exported by the server.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionsRejected prometheus.Counter
	Commands         *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	UploadBytes      prometheus.Counter
	UploadSize       prometheus.Histogram
	PathDenials      prometheus.Counter
}

// NewMetrics creates the server metrics and registers them on registry.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jailfs_sessions_active",
			Help: "Number of client sessions currently connected",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jailfs_sessions_total",
			Help: "Total number of client sessions accepted",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jailfs_sessions_rejected_total",
			Help: "Total number of connections refused because the session limit was reached",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jailfs_commands_total",
			Help: "Total number of commands processed, by verb and outcome",
		}, []string{"verb", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jailfs_command_duration_seconds",
			Help:    "Time spent executing commands, including upload transfer",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"verb"}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jailfs_upload_bytes_total",
			Help: "Total number of payload bytes stored by successful uploads",
		}),
		UploadSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jailfs_upload_size_bytes",
			Help:    "Size of successfully stored uploads",
			Buckets: prometheus.ExponentialBuckets(512, 4, 10),
		}),
		PathDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jailfs_path_denials_total",
			Help: "Total number of paths rejected for leaving the jail",
		}),
	}

	collectors := []prometheus.Collector{
		m.SessionsActive, m.SessionsTotal, m.SessionsRejected,
		m.Commands, m.CommandDuration,
		m.UploadBytes, m.UploadSize, m.PathDenials,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// SessionOpened records an accepted session.
func (m *Metrics) SessionOpened() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records the end of a session.
func (m *Metrics) SessionClosed() {
	m.SessionsActive.Dec()
}

// ObserveCommand records one dispatched command.
func (m *Metrics) ObserveCommand(verb, outcome string, elapsed time.Duration) {
	m.Commands.WithLabelValues(verb, outcome).Inc()
	m.CommandDuration.WithLabelValues(verb).Observe(elapsed.Seconds())
}

// ObserveUpload records a stored upload.
func (m *Metrics) ObserveUpload(size int64) {
	m.UploadBytes.Add(float64(size))
	m.UploadSize.Observe(float64(size))
}
