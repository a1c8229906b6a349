// Package metrics holds the Prometheus collectors shared by the parameter
// core and a small HTTP server exposing them.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paramctl",
			Subsystem: "commands",
			Name:      "finished_total",
			Help:      "Commands driven to a terminal status, by status.",
		},
		[]string{"status"},
	)
	claimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paramctl",
			Subsystem: "intake",
			Name:      "claim_conflicts_total",
			Help:      "Claim attempts lost to another terminal.",
		},
	)
	claimsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paramctl",
			Subsystem: "commands",
			Name:      "claims_lost_total",
			Help:      "Commands abandoned because their claim was reset mid-flight.",
		},
	)
	publishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paramctl",
			Subsystem: "state",
			Name:      "publish_failures_total",
			Help:      "Optimistic state publishes that failed.",
		},
	)
	terminalsCrashed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paramctl",
			Subsystem: "terminals",
			Name:      "crashed_total",
			Help:      "Terminals marked crashed by a heartbeat monitor.",
		},
	)
	claimsReset = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paramctl",
			Subsystem: "terminals",
			Name:      "claims_reset_total",
			Help:      "Commands returned to pending after their terminal died.",
		},
	)
	writeVerifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paramctl",
			Subsystem: "executor",
			Name:      "write_verify_duration_seconds",
			Help:      "Duration of a full write/verify cycle, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"kind", "success"},
	)
)

// Register registers every collector with the default registerer. It is
// idempotent and called implicitly by the recorders.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(commandsTotal, claimConflicts, claimsLost, publishFailures,
			terminalsCrashed, claimsReset, writeVerifyDuration)
	})
}

// RecordCommand counts a command reaching status.
func RecordCommand(status string) {
	Register()
	commandsTotal.WithLabelValues(status).Inc()
}

// RecordClaimConflict counts a lost claim race.
func RecordClaimConflict() {
	Register()
	claimConflicts.Inc()
}

// RecordClaimLost counts a command abandoned after its claim was reset.
func RecordClaimLost() {
	Register()
	claimsLost.Inc()
}

// RecordPublishFailure counts a failed optimistic publish.
func RecordPublishFailure() {
	Register()
	publishFailures.Inc()
}

// RecordTerminalCrashed counts a reaped terminal and the claims it released.
func RecordTerminalCrashed(released int) {
	Register()
	terminalsCrashed.Inc()
	claimsReset.Add(float64(released))
}

// ObserveWriteVerify records the duration of one executor run.
func ObserveWriteVerify(kind string, d time.Duration, success bool) {
	Register()
	label := "false"
	if success {
		label = "true"
	}
	writeVerifyDuration.WithLabelValues(kind, label).Observe(d.Seconds())
}
