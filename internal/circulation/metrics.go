// internal/circulation/metrics.go
package circulation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_transitions_total",
		Help: "Circulation transitions by type and outcome.",
	}, []string{"type", "outcome"})

	finesRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_fines_recorded_total",
		Help: "Fine ledger records created or updated, by fine type.",
	}, []string{"fine_type"})

	notificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circulation_notifications_total",
		Help: "Reservation and reminder notifications dispatched.",
	})

	jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_job_runs_total",
		Help: "Scheduled job executions by job name and outcome.",
	}, []string{"job", "outcome"})

	jobProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_job_records_processed_total",
		Help: "Records processed by scheduled jobs.",
	}, []string{"job"})
)

func observeTransition(kind TransactionType, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	transitionsTotal.WithLabelValues(string(kind), outcome).Inc()
}

// observeCancel counts a cancellation under its own type label so reversing
// an issue is never conflated with the issue itself.
func observeCancel(kind TransactionType, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	transitionsTotal.WithLabelValues("Cancel"+string(kind), outcome).Inc()
}

func observeJob(job string, processed int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	jobRunsTotal.WithLabelValues(job, outcome).Inc()
	jobProcessedTotal.WithLabelValues(job).Add(float64(processed))
}
