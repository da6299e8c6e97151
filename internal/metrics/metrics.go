// Package metrics exposes Prometheus collectors for the trust pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kindred_trust"

var (
	// StateTransitionsTotal counts committed state transitions by edge.
	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Committed verification state transitions by from, to and trigger.",
		},
		[]string{"from", "to", "trigger"},
	)

	// InvalidTransitionsTotal counts rejected out-of-table transitions.
	InvalidTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_transitions_total",
			Help:      "Rejected verification state transitions by from and trigger.",
		},
		[]string{"from", "trigger"},
	)

	FlagsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "behavior_flags_raised_total",
			Help:      "Behavior flags raised by type and severity.",
		},
		[]string{"type", "severity"},
	)

	AttemptsDeniedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_attempts_denied_total",
			Help:      "Verification attempts denied by the attempt limiter.",
		},
	)

	CapabilityDeniedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_denied_total",
			Help:      "Privileged review actions attempted without admin capability.",
		},
	)

	ReviewDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_decisions_total",
			Help:      "Committed manual review decisions.",
		},
		[]string{"decision"},
	)

	ReviewQueueOverdue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "review_queue_overdue",
			Help:      "Accounts in manual review past their SLA deadline at the last sweep.",
		},
	)

	EvidencePurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_purged_total",
			Help:      "Verification evidence objects deleted by the retention sweep.",
		},
	)
)
