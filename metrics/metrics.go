// Package metrics owns the Prometheus collectors of the RPC server.
package metrics

import (
	"strconv"
	"time"

	"gamerpc/message"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gamerpc"

// Metrics groups the server collectors. A nil *Metrics is valid and records
// nothing, so components can take it unconditionally.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	connections   prometheus.Gauge
	sessions      prometheus.GaugeFunc
	framingErrors prometheus.Counter
}

// New creates the collectors and registers them on reg. sessionCount, when
// non-nil, is sampled at scrape time.
func New(reg prometheus.Registerer, sessionCount func() int) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "RPC requests by method and outcome.",
			},
			[]string{"service", "method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "RPC handler duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method"},
		),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Open client connections.",
		}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_errors_total",
			Help:      "Connections closed because of malformed frames.",
		}),
	}
	collectors := []prometheus.Collector{m.requests, m.duration, m.connections, m.framingErrors}
	if sessionCount != nil {
		m.sessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Registered sessions, bound or not.",
		}, func() float64 { return float64(sessionCount()) })
		collectors = append(collectors, m.sessions)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Outcome labels a handler result: "ok", "fault_<code>", or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if f, ok := message.AsFault(err); ok {
		return "fault_" + strconv.Itoa(int(f.Code))
	}
	return "error"
}

func (m *Metrics) ObserveRequest(service, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(service, method, outcome).Inc()
	m.duration.WithLabelValues(service, method).Observe(d.Seconds())
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) FramingError() {
	if m != nil {
		m.framingErrors.Inc()
	}
}
