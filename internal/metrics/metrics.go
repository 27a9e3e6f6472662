package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dgt_wallet"

var (
	// Registry holds the wallet service collectors.
	Registry = prometheus.NewRegistry()

	ledgerPostings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries written, by direction and reason.",
		},
		[]string{"direction", "reason"},
	)

	ledgerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rejections_total",
			Help:      "Ledger operations rejected, by operation and error.",
		},
		[]string{"op", "error"},
	)

	reconcileDivergences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reconcile_divergences_total",
			Help:      "Accounts whose materialized balance diverged from the entry log.",
		},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Provider webhook deliveries, by provider, kind and outcome.",
		},
		[]string{"provider", "kind", "outcome"},
	)

	providerCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Duration of outbound provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"provider", "op", "outcome"},
	)

	withdrawalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "transitions_total",
			Help:      "Withdrawal state transitions, by target status.",
		},
		[]string{"status"},
	)

	jobRuns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Duration of scheduled job runs, by job and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"job", "outcome"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ledgerPostings,
		ledgerRejections,
		reconcileDivergences,
		webhookEvents,
		providerCalls,
		withdrawalTransitions,
		jobRuns,
		httpDuration,
	)
}

// RecordPosting counts a written ledger entry.
func RecordPosting(direction, reason string) {
	ledgerPostings.WithLabelValues(direction, reason).Inc()
}

// RecordRejection counts a rejected ledger operation.
func RecordRejection(op, errKind string) {
	ledgerRejections.WithLabelValues(op, errKind).Inc()
}

// RecordDivergence counts a reconciliation mismatch.
func RecordDivergence() {
	reconcileDivergences.Inc()
}

// RecordWebhook counts a webhook delivery outcome.
func RecordWebhook(provider, kind, outcome string) {
	webhookEvents.WithLabelValues(provider, kind, outcome).Inc()
}

// ObserveProviderCall records an outbound provider call.
func ObserveProviderCall(provider, op, outcome string, d time.Duration) {
	providerCalls.WithLabelValues(provider, op, outcome).Observe(d.Seconds())
}

// RecordWithdrawalTransition counts a withdrawal moving into status.
func RecordWithdrawalTransition(status string) {
	withdrawalTransitions.WithLabelValues(status).Inc()
}

// ObserveJobRun records one run of a scheduled job.
func ObserveJobRun(job, outcome string, d time.Duration) {
	jobRuns.WithLabelValues(job, outcome).Observe(d.Seconds())
}

// Middleware records request durations labelled by the matched route.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		route := c.Route().Path
		httpDuration.WithLabelValues(c.Method(), route, strconv.Itoa(c.Response().StatusCode())).
			Observe(time.Since(start).Seconds())
		return err
	}
}

// Handler exposes the registry for scraping.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}
