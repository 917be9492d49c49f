package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const NAMESPACE = "jetx"

// Label names
const (
	LabelMethod = "method"
	LabelPath   = "path"
	LabelStatus = "status"
	LabelType   = "type"
	LabelResult = "result"
	LabelReason = "reason"
	LabelPhase  = "phase"
)

// Round metrics
var (
	RoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: NAMESPACE,
		Name:      "rounds_total",
		Help:      "Total number of completed rounds",
	})

	CrashMultiplier = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: NAMESPACE,
		Name:      "crash_multiplier",
		Help:      "Distribution of round crash points",
		Buckets:   []float64{1, 1.2, 1.5, 2, 3, 5, 10, 20, 50, 100, 1000},
	})

	OngoingMultiplier = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: NAMESPACE,
		Name:      "ongoing_multiplier",
		Help:      "Multiplier most recently broadcast",
	})

	RoundPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: NAMESPACE,
		Name:      "round_phase",
		Help:      "1 for the phase the live round is in",
	}, []string{LabelPhase})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: NAMESPACE,
		Name:      "connected_clients",
		Help:      "Current number of websocket clients",
	})
)

// Wager metrics
var (
	BetsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: NAMESPACE,
		Name:      "bets_placed_total",
		Help:      "Total number of accepted bets",
	})

	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: NAMESPACE,
		Name:      "bets_rejected_total",
		Help:      "Rejected bet, cash-out and cancel requests",
	}, []string{LabelType, LabelReason})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: NAMESPACE,
		Name:      "settlements_total",
		Help:      "Settled wagers by outcome",
	}, []string{LabelResult})

	StakeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: NAMESPACE,
		Name:      "stake_amount_total",
		Help:      "Total amount staked",
	})

	PayoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: NAMESPACE,
		Name:      "payout_amount_total",
		Help:      "Total amount paid out",
	})
)

// Wallet metrics
var (
	WalletCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: NAMESPACE,
		Name:      "wallet_calls_total",
		Help:      "Operator wallet webhook calls by type and result",
	}, []string{LabelType, LabelResult})
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: NAMESPACE,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{LabelMethod, LabelPath, LabelStatus})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: NAMESPACE,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{LabelMethod, LabelPath})
)

var phases = []string{"BETTING", "WEBHOOK_SETTLE", "CLIMB", "CRASHED"}

// SetPhase marks phase as the only active one.
func SetPhase(phase string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		RoundPhase.WithLabelValues(p).Set(v)
	}
}

// WalletResult labels a wallet call outcome.
func WalletResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
