package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveAttempts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_active_attempts",
		Help: "Number of call attempts currently in flight",
	})

	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_attempts_total",
		Help: "Terminal call attempts by outcome reason",
	}, []string{"outcome"})

	ProviderCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_callbacks_total",
		Help: "Provider status callbacks received, by status",
	}, []string{"status"})

	PoolExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "did_pool_exhausted_total",
		Help: "Attempts skipped because no eligible DID was available",
	})

	LedgerDebitErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_debit_errors_total",
		Help: "Debits that failed after a completed call; each one is a reconciliation gap",
	})
)
