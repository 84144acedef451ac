package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_scheduled_total",
			Help: "Total emails accepted into the queue",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
	)

	EmailsRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_rate_limited_total",
			Help: "Total dispatch attempts deferred by the hourly cap",
		},
	)

	StatusWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "status_write_failures_total",
			Help: "Total job status transitions that could not be persisted",
		},
	)

	MirrorFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_counter_mirror_failures_total",
			Help: "Total rate counter mirror writes that failed",
		},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_send_duration_seconds",
			Help:    "Time spent in the mail transport per message",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			EmailsScheduled,
			EmailsSent,
			EmailFailures,
			EmailsRateLimited,
			StatusWriteFailures,
			MirrorFailures,
			SendDuration,
		)
	})
}
