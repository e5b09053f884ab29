// Package metrics exposes the service counters. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	joins         *prometheus.CounterVec
	leaves        prometheus.Counter
	fallbacks     *prometheus.CounterVec
	roomsCreated  *prometheus.CounterVec
	roomsReaped   prometheus.Counter
	replayRejects *prometheus.CounterVec
	sessions      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "room_joins_total",
			Help:      "Room join attempts by outcome.",
		}, []string{"outcome"}),
		leaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "room_leaves_total",
			Help:      "Memberships released.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "store_fallbacks_total",
			Help:      "Operations retried against the durable store.",
		}, []string{"op"}),
		roomsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "rooms_created_total",
			Help:      "Rooms created by kind.",
		}, []string{"kind"}),
		roomsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "rooms_reaped_total",
			Help:      "Idle rooms deleted by the reaper.",
		}),
		replayRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "replay_rejections_total",
			Help:      "Inbound messages rejected by the replay guard.",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "local_sessions",
			Help:      "Sessions connected to this process.",
		}),
	}
	reg.MustRegister(
		m.joins, m.leaves, m.fallbacks, m.roomsCreated, m.roomsReaped, m.replayRejects, m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Join(outcome string) {
	if m != nil {
		m.joins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Leave() {
	if m != nil {
		m.leaves.Inc()
	}
}

func (m *Metrics) Fallback(op string) {
	if m != nil {
		m.fallbacks.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RoomCreated(kind string) {
	if m != nil {
		m.roomsCreated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RoomReaped() {
	if m != nil {
		m.roomsReaped.Inc()
	}
}

func (m *Metrics) ReplayRejected(reason string) {
	if m != nil {
		m.replayRejects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}
