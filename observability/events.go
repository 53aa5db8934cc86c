package observability

import (
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"escrowledger/core/events"
)

type eventMetrics struct {
	emitted     *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking emitted ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of ledger events segmented by event type.",
			}, []string{"type"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "transitions_total",
				Help:      "Count of transaction status transitions segmented by resulting status and transaction type.",
			}, []string{"status", "tx_type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.transitions)
	})
	return eventRegistry
}

// EventEmitter is an events.Emitter that turns ledger events into metrics.
type EventEmitter struct {
	events *eventMetrics
	ledger *ledgerMetrics
}

// NewEventEmitter returns an emitter backed by the shared registries.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{events: Events(), ledger: Ledger()}
}

func (e *EventEmitter) Emit(evt events.Event) {
	if e == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	if eventType == "" {
		return
	}
	e.events.emitted.WithLabelValues(eventType).Inc()
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	body := payload.Event()
	if body == nil {
		return
	}
	switch {
	case strings.HasPrefix(eventType, "escrow."):
		status := body.Attr("status")
		if status == "" {
			status = "unknown"
		}
		txType := body.Attr("type")
		if txType == "" {
			txType = "unknown"
		}
		e.events.transitions.WithLabelValues(status, txType).Inc()
	case strings.HasPrefix(eventType, "balance."):
		if amount, err := strconv.ParseUint(body.Attr("amount"), 10, 64); err == nil {
			e.ledger.addVolume(strings.TrimPrefix(eventType, "balance."), float64(amount))
		}
	}
}
