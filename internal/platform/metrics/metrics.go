package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	payoutsAdmitted    *prometheus.CounterVec
	payoutsTerminal    *prometheus.CounterVec
	ledgerTransactions prometheus.Counter
	ledgerRejections   *prometheus.CounterVec
	eventsAppended     prometheus.Counter
	eventsReplayed     prometheus.Counter
	queueRetries       *prometheus.CounterVec
	queueExhausted     *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	providerCalls      *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		payoutsAdmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "payouts",
				Name:      "admitted_total",
				Help:      "Payout admissions partitioned by outcome (created vs replayed).",
			},
			[]string{"outcome"},
		),
		payoutsTerminal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "payouts",
				Name:      "terminal_total",
				Help:      "Payouts reaching a terminal status.",
			},
			[]string{"status"},
		),
		ledgerTransactions: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Committed balanced ledger transactions.",
			},
		),
		ledgerRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "ledger",
				Name:      "rejections_total",
				Help:      "Ledger posts rejected before commit, by reason.",
			},
			[]string{"reason"},
		),
		eventsAppended: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "events",
				Name:      "appended_total",
				Help:      "Events appended to the log (idempotent replays excluded).",
			},
		),
		eventsReplayed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "events",
				Name:      "replayed_total",
				Help:      "Append calls that returned an existing event by event_id.",
			},
		),
		queueRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "taskrunner",
				Name:      "retries_total",
				Help:      "Job retries scheduled, by job type.",
			},
			[]string{"job_type"},
		),
		queueExhausted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "taskrunner",
				Name:      "exhausted_total",
				Help:      "Jobs that ran out of retry budget, by job type.",
			},
			[]string{"job_type"},
		),
		queueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_ledger",
				Subsystem: "taskrunner",
				Name:      "queue_depth",
				Help:      "Jobs currently queued or scheduled for retry.",
			},
		),
		providerCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "External provider calls by result.",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) ObserveAdmission(created bool) {
	if m == nil {
		return
	}
	outcome := "replayed"
	if created {
		outcome = "created"
	}
	m.payoutsAdmitted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTerminal(status string) {
	if m == nil {
		return
	}
	m.payoutsTerminal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveLedgerTransaction() {
	if m == nil {
		return
	}
	m.ledgerTransactions.Inc()
}

func (m *Metrics) ObserveLedgerRejection(reason string) {
	if m == nil {
		return
	}
	m.ledgerRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveEventAppended(replayed bool) {
	if m == nil {
		return
	}
	if replayed {
		m.eventsReplayed.Inc()
		return
	}
	m.eventsAppended.Inc()
}

func (m *Metrics) ObserveRetry(jobType string) {
	if m == nil {
		return
	}
	m.queueRetries.WithLabelValues(jobType).Inc()
}

func (m *Metrics) ObserveExhausted(jobType string) {
	if m == nil {
		return
	}
	m.queueExhausted.WithLabelValues(jobType).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) ObserveProviderCall(result string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(result).Inc()
}
