// Package metrics declares the Prometheus instruments for the visit engine
// and exposes the scrape handler mounted on the ops listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PingsHandled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_pings_handled_total",
		Help: "Location pings run through the detection path",
	})
	PingsDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "waylog_pings_discarded_total",
		Help: "Pings dropped before matching, by reason",
	}, []string{"reason"})
	VisitsRefreshed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_visits_refreshed_total",
		Help: "Hits that extended an already-open visit",
	})
	VisitsConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_visits_confirmed_total",
		Help: "Candidate streaks promoted to open visits",
	})
	VisitsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_visits_closed_total",
		Help: "Open visits closed by the lifecycle sweep",
	})
	CandidatesDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_candidates_discarded_total",
		Help: "Stale candidate streaks deleted by the lifecycle sweep",
	})
	SweepsRun = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_sweeps_run_total",
		Help: "Lifecycle sweep executions",
	})
	NotificationsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_notifications_sent_total",
		Help: "Visit-started events delivered to the broadcaster",
	})
	NotificationsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_notifications_suppressed_total",
		Help: "Visit-started events withheld by the per-place cooldown",
	})
	NotificationsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_notifications_failed_total",
		Help: "Visit-started events the broadcaster failed to deliver",
	})
	BackfillScans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_backfill_scans_total",
		Help: "Backfill Analyze runs",
	})
	BackfillScanFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_backfill_scan_failures_total",
		Help: "Places whose archive scan failed after retries",
	})
	BackfillDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "waylog_backfill_duration_seconds",
		Help:    "Backfill Analyze duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	BackfillVisitsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_backfill_visits_created_total",
		Help: "Visits created by backfill Apply",
	})
	BackfillVisitsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waylog_backfill_visits_deleted_total",
		Help: "Stale visits deleted by backfill Apply",
	})
)

func init() {
	prometheus.MustRegister(PingsHandled)
	prometheus.MustRegister(PingsDiscarded)
	prometheus.MustRegister(VisitsRefreshed)
	prometheus.MustRegister(VisitsConfirmed)
	prometheus.MustRegister(VisitsClosed)
	prometheus.MustRegister(CandidatesDiscarded)
	prometheus.MustRegister(SweepsRun)
	prometheus.MustRegister(NotificationsSent)
	prometheus.MustRegister(NotificationsSuppressed)
	prometheus.MustRegister(NotificationsFailed)
	prometheus.MustRegister(BackfillScans)
	prometheus.MustRegister(BackfillScanFailures)
	prometheus.MustRegister(BackfillDuration)
	prometheus.MustRegister(BackfillVisitsCreated)
	prometheus.MustRegister(BackfillVisitsDeleted)
}

// Handler returns the scrape endpoint for every registered instrument.
func Handler() http.Handler { return promhttp.Handler() }
