// Package metrics holds the Prometheus instrumentation for the decision core.
// The set is registered against an injected registry so tests stay isolated.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the core metrics. Construct with New and share by reference.
type Set struct {
	EventsTotal        *prometheus.CounterVec
	DecisionsTotal     *prometheus.CounterVec
	EventDuration      *prometheus.HistogramVec
	AgentFailures      *prometheus.CounterVec
	SLACategory        *prometheus.GaugeVec
	BreachesTotal      prometheus.Counter
	CompensationSAR    prometheus.Counter
	ReassignmentsTotal prometheus.Counter
	EscalationsActive  prometheus.Gauge
	InflightEvents     prometheus.Gauge
	RouteCacheHits     prometheus.Counter
	RouteFallbacks     prometheus.Counter
}

func New(registry prometheus.Registerer) *Set {
	s := &Set{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_events_total",
			Help: "Events received by the orchestrator, by type.",
		}, []string{"type"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_decisions_total",
			Help: "Decisions returned, by action.",
		}, []string{"action"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_event_duration_seconds",
			Help:    "End-to-end orchestration latency, by event type.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"type"}),
		AgentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_agent_failures_total",
			Help: "Agent task failures inside plans, by agent.",
		}, []string{"agent"}),
		SLACategory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_sla_orders",
			Help: "In-flight orders per SLA category at the last tick.",
		}, []string{"category"}),
		BreachesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_sla_breaches_total",
			Help: "SLA breaches recorded.",
		}),
		CompensationSAR: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_compensation_sar_total",
			Help: "Compensation issued in SAR.",
		}),
		ReassignmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_reassignments_total",
			Help: "Completed driver reassignments.",
		}),
		EscalationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_escalations_active",
			Help: "Escalations currently open.",
		}),
		InflightEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_inflight_events",
			Help: "Events currently being orchestrated.",
		}),
		RouteCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_route_cache_hits_total",
			Help: "Route optimizations served from cache.",
		}),
		RouteFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_route_fallbacks_total",
			Help: "Routes degraded to Haversine fallback.",
		}),
	}
	registry.MustRegister(
		s.EventsTotal,
		s.DecisionsTotal,
		s.EventDuration,
		s.AgentFailures,
		s.SLACategory,
		s.BreachesTotal,
		s.CompensationSAR,
		s.ReassignmentsTotal,
		s.EscalationsActive,
		s.InflightEvents,
		s.RouteCacheHits,
		s.RouteFallbacks,
	)
	return s
}

// ObserveEvent records one orchestrated event.
func (s *Set) ObserveEvent(eventType, action string, elapsed time.Duration) {
	s.EventsTotal.WithLabelValues(eventType).Inc()
	s.DecisionsTotal.WithLabelValues(action).Inc()
	s.EventDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}
