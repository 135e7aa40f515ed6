package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	crateValidation = "crate_validation"

	// Job metrics
	jobsSubmittedTotal  = "jobs_submitted_total"
	jobsRejectedTotal   = "jobs_rejected_total"
	jobsCompletedTotal  = "jobs_completed_total"
	jobDurationSeconds  = "job_duration_seconds"
	jobsSweptTotal      = "jobs_swept_total"
	jobsRedeliveryTotal = "jobs_redelivered_total"

	// Webhook metrics
	webhookAttemptsTotal   = "webhook_attempts_total"
	webhookDeliveriesTotal = "webhook_deliveries_total"

	// Event metrics
	eventsDroppedTotal = "events_dropped_total"

	// Labels
	profileLabel = "profile"
	reasonLabel  = "reason"
	stateLabel   = "state"
	outcomeLabel = "outcome"
	actionLabel  = "action"
	kindLabel    = "kind"
)

/**
* Metrics definition
**/
var jobsSubmittedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: crateValidation,
		Name:      jobsSubmittedTotal,
		Help:      "number of validation jobs admitted",
	},
	[]string{profileLabel},
)

var jobsRejectedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: crateValidation,
		Name:      jobsRejectedTotal,
		Help:      "number of submissions rejected at admission",
	},
	[]string{reasonLabel},
)

var jobsCompletedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: crateValidation,
		Name:      jobsCompletedTotal,
		Help:      "number of validation jobs that reached a terminal state",
	},
	[]string{stateLabel, reasonLabel},
)

var jobDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: crateValidation,
		Name:      jobDurationSeconds,
		Help:      "time spent executing a validation job, from pickup to terminal state",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	},
	[]string{stateLabel},
)

var jobsSweptTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: crateValidation,
		Name:      jobsSweptTotal,
		Help:      "number of stale jobs handled by the sweeper",
	},
	[]string{actionLabel},
)

var jobsRedeliveredTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: crateValidation,
		Name:      jobsRedeliveryTotal,
		Help:      "number of execution units skipped because the job was not pending",
	},
)

var webhookAttemptsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: crateValidation,
		Name:      webhookAttemptsTotal,
		Help:      "number of webhook HTTP attempts partitioned by outcome",
	},
	[]string{outcomeLabel},
)

var webhookDeliveriesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: crateValidation,
		Name:      webhookDeliveriesTotal,
		Help:      "number of webhook deliveries partitioned by final outcome",
	},
	[]string{outcomeLabel},
)

var eventsDroppedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: crateValidation,
		Name:      eventsDroppedTotal,
		Help:      "number of lifecycle events dropped because the producer buffer was full",
	},
	[]string{kindLabel},
)

func IncreaseJobsSubmittedMetric(profile string) {
	jobsSubmittedTotalMetric.With(prometheus.Labels{profileLabel: profile}).Inc()
}

func IncreaseJobsRejectedMetric(reason string) {
	jobsRejectedTotalMetric.With(prometheus.Labels{reasonLabel: reason}).Inc()
}

func IncreaseJobsCompletedMetric(state, reason string) {
	jobsCompletedTotalMetric.With(prometheus.Labels{stateLabel: state, reasonLabel: reason}).Inc()
}

func ObserveJobDuration(state string, d time.Duration) {
	jobDurationMetric.With(prometheus.Labels{stateLabel: state}).Observe(d.Seconds())
}

func IncreaseJobsSweptMetric(action string) {
	jobsSweptTotalMetric.With(prometheus.Labels{actionLabel: action}).Inc()
}

func IncreaseJobsRedeliveredMetric() {
	jobsRedeliveredTotalMetric.Inc()
}

func IncreaseWebhookAttemptsMetric(outcome string) {
	webhookAttemptsTotalMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func IncreaseWebhookDeliveriesMetric(outcome string) {
	webhookDeliveriesTotalMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func IncreaseEventsDroppedMetric(kind string) {
	eventsDroppedTotalMetric.With(prometheus.Labels{kindLabel: kind}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsSubmittedTotalMetric)
	prometheus.MustRegister(eventsDroppedTotalMetric)
	prometheus.MustRegister(jobsRejectedTotalMetric)
	prometheus.MustRegister(jobsCompletedTotalMetric)
	prometheus.MustRegister(jobDurationMetric)
	prometheus.MustRegister(jobsSweptTotalMetric)
	prometheus.MustRegister(jobsRedeliveredTotalMetric)
	prometheus.MustRegister(webhookAttemptsTotalMetric)
	prometheus.MustRegister(webhookDeliveriesTotalMetric)
}
