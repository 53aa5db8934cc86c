package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	operations *prometheus.CounterVec
	throttles  *prometheus.CounterVec
	volume     *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics
)

// Ledger returns the lazily-initialised registry tracking ledger operations.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations segmented by operation and outcome code.",
			}, []string{"operation", "outcome"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limits or creation quotas.",
			}, []string{"reason"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "volume_total",
				Help:      "Amount moved by committed balance changes, by change kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(ledgerRegistry.operations, ledgerRegistry.throttles, ledgerRegistry.volume)
	})
	return ledgerRegistry
}

// ObserveOperation records one ledger call. outcome is "ok" or the stable
// error code.
func (m *ledgerMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit".
func (m *ledgerMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

func (m *ledgerMetrics) addVolume(kind string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.volume.WithLabelValues(kind).Add(amount)
}
