// Package metrics exposes the engine's Prometheus collectors. All
// collectors auto-register on the default registry; main serves them
// via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AlertsCreated counts alerts admitted past grouping
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_created_total",
			Help: "Total number of alerts created, by severity",
		},
		[]string{"severity"},
	)

	// OccurrencesFolded counts occurrences deduplicated into an existing group
	OccurrencesFolded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_occurrences_folded_total",
			Help: "Total number of occurrences folded into an existing active group",
		},
	)

	// TiersFired counts escalation tiers fired by the sweep
	TiersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_escalation_tiers_fired_total",
			Help: "Total number of escalation tiers fired, by severity",
		},
		[]string{"severity"},
	)

	// NotificationFailures counts notification sends that reported a transport error
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notification_failures_total",
			Help: "Total number of failed notification dispatches, by channel",
		},
		[]string{"channel"},
	)

	// SLABreaches counts breach flags set, by clock (tta or ttr)
	SLABreaches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_sla_breaches_total",
			Help: "Total number of SLA breaches stamped, by clock",
		},
		[]string{"clock"},
	)

	// ActiveGroups tracks the current number of active alert groups
	ActiveGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_active_groups",
			Help: "Number of currently active alert groups",
		},
	)

	// NoiseReductionRate is the last computed noise reduction rate
	NoiseReductionRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_noise_reduction_rate",
			Help: "Last computed noise reduction rate (1 - groups/occurrences)",
		},
	)
)
