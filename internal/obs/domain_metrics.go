package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts payment intent creation attempts.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentCallbackTotal counts inbound gateway callback processing outcomes.
	PaymentCallbackTotal *prometheus.CounterVec
	// SettlementTotal counts settlement attempts by transaction kind and outcome.
	SettlementTotal *prometheus.CounterVec
	// SettlementEffectFailures counts post-settlement effects that had to be
	// logged instead of applied.
	SettlementEffectFailures *prometheus.CounterVec
	// DuplicateSuppressions counts deliveries stopped by a dedup layer.
	DuplicateSuppressions *prometheus.CounterVec
	// ReconcileSweepTotal counts stale transactions picked up by the sweep.
	ReconcileSweepTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of payment intent processing outcomes.",
		}, []string{"provider", "result"})
		PaymentCallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callback_total",
			Help:      "Count of processed gateway callbacks by outcome.",
		}, []string{"provider", "result"})
		SettlementTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_total",
			Help:      "Count of settlement attempts by kind and outcome.",
		}, []string{"kind", "outcome"})
		SettlementEffectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_effect_failures_total",
			Help:      "Count of settlement effects that failed and were logged.",
		}, []string{"effect"})
		DuplicateSuppressions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_duplicate_suppressions_total",
			Help:      "Count of duplicate deliveries stopped, by dedup layer.",
		}, []string{"layer"})
		ReconcileSweepTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_sweep_total",
			Help:      "Count of stale transactions examined by the sweep.",
		}, []string{"result"})

		mustRegisterCounterVec(reg, &PaymentIntentTotal)
		mustRegisterCounterVec(reg, &PaymentCallbackTotal)
		mustRegisterCounterVec(reg, &SettlementTotal)
		mustRegisterCounterVec(reg, &SettlementEffectFailures)
		mustRegisterCounterVec(reg, &DuplicateSuppressions)
		mustRegisterCounterVec(reg, &ReconcileSweepTotal)
	})
}

func mustRegisterCounterVec(reg prometheus.Registerer, vec **prometheus.CounterVec) {
	if err := reg.Register(*vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				*vec = existing
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
