package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	commandsTotal       *prometheus.CounterVec
	itemsOpen           prometheus.Gauge
	payoutsTotal        prometheus.Counter
	payoutMinorTotal    prometheus.Counter
	payoutFailuresTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		commandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_acs",
				Subsystem: "coordinator",
				Name:      "commands_total",
				Help:      "Coordinator commands partitioned by action and result.",
			},
			[]string{"action", "result"},
		),
		itemsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_acs",
				Subsystem: "coordinator",
				Name:      "items_open",
				Help:      "Audit items currently in a non-terminal state.",
			},
		),
		payoutsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_acs",
				Subsystem: "settlement",
				Name:      "payouts_total",
				Help:      "Slot payouts executed successfully.",
			},
		),
		payoutMinorTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_acs",
				Subsystem: "settlement",
				Name:      "payout_minor_total",
				Help:      "Total value paid to auditors, in minor units.",
			},
		),
		payoutFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_acs",
				Subsystem: "settlement",
				Name:      "payout_failures_total",
				Help:      "Slot payouts that failed and remain pending for retry.",
			},
		),
	}
}

func (m *Metrics) ObserveCommand(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrLedgerFailure):
		result = "ledger_failure"
	case errors.Is(err, ErrStorageFailure):
		result = "storage_failure"
	case errors.Is(err, ErrUnauthorized):
		result = "denied"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "rejected"
	}
	m.commandsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ItemOpened() {
	if m == nil {
		return
	}
	m.itemsOpen.Inc()
}

func (m *Metrics) ItemClosed() {
	if m == nil {
		return
	}
	m.itemsOpen.Dec()
}

func (m *Metrics) PayoutPaid(shareMinor int64) {
	if m == nil {
		return
	}
	m.payoutsTotal.Inc()
	m.payoutMinorTotal.Add(float64(shareMinor))
}

func (m *Metrics) PayoutFailed() {
	if m == nil {
		return
	}
	m.payoutFailuresTotal.Inc()
}
