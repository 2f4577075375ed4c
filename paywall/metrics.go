// metrics.go - Prometheus counters for the coin economy.
//
// Registered onto the default registry via promauto; the HTTP layer
// exposes them on /metrics.
package paywall

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	purchasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coin_purchases_total",
		Help: "Completed chapter purchases.",
	})

	coinsSpentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coin_spent_total",
		Help: "Coins debited through chapter purchases.",
	})

	insufficientFundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coin_insufficient_funds_total",
		Help: "Purchase attempts rejected for insufficient funds.",
	})

	creditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coin_credits_total",
		Help: "Deposit and reward credits applied.",
	})

	coinsCreditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coin_credited_total",
		Help: "Coins credited through deposits and rewards.",
	})

	correctionAnomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coin_correction_anomalies_total",
		Help: "Forced admin corrections that clamped a negative reconciled balance.",
	})

	balanceMismatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coin_balance_mismatches_total",
		Help: "Cached balances that disagreed with ledger reconciliation.",
	})
)
