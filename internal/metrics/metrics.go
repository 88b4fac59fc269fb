// Copyright Contributors to the Agent Platform project

// Package metrics holds the operator's Prometheus collectors. They are
// registered on the controller-runtime registry so the manager's metrics
// endpoint serves them alongside the built-in controller metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// JobsCreatedTotal counts agent Jobs created, by run kind
	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agent_operator",
			Name:      "jobs_created_total",
			Help:      "Total number of agent Jobs created",
		},
		[]string{"kind"},
	)

	// RenderFailuresTotal counts artifact rendering failures, by run kind
	RenderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agent_operator",
			Name:      "render_failures_total",
			Help:      "Total number of artifact template rendering failures",
		},
		[]string{"kind"},
	)

	// PhaseTransitionsTotal counts observed run phase transitions
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agent_operator",
			Name:      "phase_transitions_total",
			Help:      "Total number of run phase transitions, by kind and new phase",
		},
		[]string{"kind", "phase"},
	)

	// CleanupsTotal counts finished Jobs deleted by the cleanup policy
	CleanupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agent_operator",
			Name:      "cleanups_total",
			Help:      "Total number of finished Jobs deleted by the cleanup policy",
		},
		[]string{"kind"},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		JobsCreatedTotal,
		RenderFailuresTotal,
		PhaseTransitionsTotal,
		CleanupsTotal,
	)
}
