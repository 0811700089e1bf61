package observability

import (
	"context"
	"net/http"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arbor"

// Metrics collects plan, path, expansion and branch counters.
type Metrics struct {
	registry *prometheus.Registry

	planTransitions *prometheus.CounterVec
	planDuration    *prometheus.HistogramVec
	pathsAccepted   prometheus.Counter
	pathsPruned     *prometheus.CounterVec
	pathDepth       prometheus.Histogram
	expansions      *prometheus.CounterVec
	branches        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them, together with the Go
// and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		planTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_transitions_total",
			Help:      "Plan status transitions, by target status.",
		}, []string{"status"}),
		planDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_duration_seconds",
			Help:      "Time from a plan starting to reaching a terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"status"}),
		pathsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paths_accepted_total",
			Help:      "Complete paths accepted by the search.",
		}),
		pathsPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paths_pruned_total",
			Help:      "Partial paths discarded during the search, by reason.",
		}, []string{"reason"}),
		pathDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "path_depth",
			Help:      "Number of steps of accepted paths.",
			Buckets:   prometheus.LinearBuckets(1, 1, 30),
		}),
		expansions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_expansions_total",
			Help:      "Cluster expansions, by whether they added paths.",
		}, []string{"result"}),
		branches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branches_total",
			Help:      "Branch commits, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.planTransitions, m.planDuration, m.pathsAccepted, m.pathsPruned,
		m.pathDepth, m.expansions, m.branches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hooks returns lifecycle hooks that update the collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnPlanStatus: func(_ context.Context, e *domain.PlanEvent) {
			m.planTransitions.WithLabelValues(string(e.To)).Inc()
			if e.To.IsTerminal() && e.Duration > 0 {
				m.planDuration.WithLabelValues(string(e.To)).Observe(e.Duration.Seconds())
			}
		},
		OnPathAccepted: func(_ context.Context, e *domain.PathEvent) {
			m.pathsAccepted.Inc()
			m.pathDepth.Observe(float64(e.Depth))
		},
		OnPathPruned: func(_ context.Context, e *domain.PathEvent) {
			m.pathsPruned.WithLabelValues(string(e.Reason)).Inc()
		},
		OnExpansion: func(_ context.Context, e *domain.ExpansionEvent) {
			result := "added"
			if e.Added == 0 {
				result = "empty"
			}
			m.expansions.WithLabelValues(result).Inc()
		},
		OnBranch: func(_ context.Context, e *domain.BranchEvent) {
			result := "committed"
			if e.Conflict {
				result = "conflict"
			}
			m.branches.WithLabelValues(result).Inc()
		},
	}
}
