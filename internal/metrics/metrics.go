// Package metrics — счётчики операций сервиса, WebSocket-соединений и событий для Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msgcore/internal/apperror"
)

const namespace = "msgcore"

// Metrics безопасен для nil-получателя: без метрик методы ничего не делают.
type Metrics struct {
	ops           *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	wsConns       prometheus.Gauge
	eventsDropped *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Conversation service operations by outcome.",
		}, []string{"op", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Conversation service operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		wsConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events a sink failed to deliver.",
		}, []string{"sink"}),
	}
}

// ObserveOp: outcome "ok" или вид ошибки (forbidden, not_found, ...).
func (m *Metrics) ObserveOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperror.KindOf(err))
	}
	m.ops.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) WSConnected() {
	if m != nil {
		m.wsConns.Inc()
	}
}

func (m *Metrics) WSDisconnected() {
	if m != nil {
		m.wsConns.Dec()
	}
}

func (m *Metrics) EventDropped(sink string) {
	if m != nil {
		m.eventsDropped.WithLabelValues(sink).Inc()
	}
}

// Handler отдаёт метрики из g в формате Prometheus.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
