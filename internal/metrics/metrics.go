// Package metrics exposes reconciliation, job and rate limit metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/ethoslink/rolesync/internal/discord/api"
	"github.com/ethoslink/rolesync/internal/jobs"
	"github.com/ethoslink/rolesync/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rolesync"

// JobSource reports job status.
type JobSource interface {
	Status(kind jobs.Kind) jobs.Status
}

// RateLimitSource reports the shared rate limit state.
type RateLimitSource interface {
	Status() api.Snapshot
}

// Metrics records reconciliation outcomes and exposes gauges over live state.
type Metrics struct {
	registry    *prometheus.Registry
	users       *prometheus.CounterVec
	roleChanges *prometheus.CounterVec
}

var _ reconcile.Recorder = (*Metrics)(nil)

// New registers every metric on a dedicated registry.
func New(jobSource JobSource, rateLimits RateLimitSource) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		users: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "users_total",
				Help:      "Users reconciled by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		roleChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "role_changes_total",
				Help:      "Role mutations by action and result.",
			},
			[]string{"action", "result"},
		),
	}

	if jobSource != nil {
		for _, kind := range []jobs.Kind{jobs.KindSync, jobs.KindValidatorCheck} {
			labels := prometheus.Labels{"kind": string(kind)}

			factory.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "job",
				Name:        "running",
				Help:        "Whether a job of the kind is running.",
				ConstLabels: labels,
			}, func() float64 {
				if jobSource.Status(kind).IsRunning {
					return 1
				}
				return 0
			})

			factory.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "job",
				Name:        "processed_users",
				Help:        "Users processed by the current or last job.",
				ConstLabels: labels,
			}, func() float64 {
				return float64(jobSource.Status(kind).ProcessedCount)
			})

			factory.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "job",
				Name:        "total_users",
				Help:        "Users covered by the current or last job.",
				ConstLabels: labels,
			}, func() float64 {
				return float64(jobSource.Status(kind).TotalCount)
			})
		}
	}

	if rateLimits != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discord",
			Name:      "adaptive_multiplier",
			Help:      "Adaptive delay multiplier of the Discord client.",
		}, func() float64 {
			return rateLimits.Status().Multiplier
		})

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discord",
			Name:      "throttled_responses",
			Help:      "Rate limit responses seen since the last reset.",
		}, func() float64 {
			return float64(rateLimits.Status().Throttled)
		})
	}

	return m
}

// ObserveUser counts a reconciled user.
func (m *Metrics) ObserveUser(source string, outcome reconcile.Outcome) {
	m.users.WithLabelValues(source, string(outcome)).Inc()
}

// ObserveRoleChange counts a role mutation attempt.
func (m *Metrics) ObserveRoleChange(action reconcile.Action, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}

	m.roleChanges.WithLabelValues(string(action), result).Inc()
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
