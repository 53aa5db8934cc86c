package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"escrowledger/core/types"
)

type payloadEvent struct{ evt *types.Event }

func (p payloadEvent) EventType() string   { return p.evt.Type }
func (p payloadEvent) Event() *types.Event { return p.evt }

func TestEventEmitterCountsTransitions(t *testing.T) {
	emitter := NewEventEmitter()
	completed := Events().transitions.WithLabelValues("Completed", "escrow")
	before := testutil.ToFloat64(completed)

	emitter.Emit(payloadEvent{evt: &types.Event{
		Type:       "escrow.completed",
		Attributes: map[string]string{"status": "Completed", "type": "escrow"},
	}})
	emitter.Emit(payloadEvent{evt: &types.Event{
		Type:       "balance.credited",
		Attributes: map[string]string{"amount": "250"},
	}})

	if got := testutil.ToFloat64(completed) - before; got != 1 {
		t.Fatalf("expected one completed transition, got %v", got)
	}
	if got := testutil.ToFloat64(Events().emitted.WithLabelValues("balance.credited")); got < 1 {
		t.Fatalf("expected credited event to be counted")
	}
	if got := testutil.ToFloat64(Ledger().volume.WithLabelValues("credited")); got < 250 {
		t.Fatalf("expected credited volume of at least 250, got %v", got)
	}
}

func TestObserveOperation(t *testing.T) {
	m := Ledger()
	before := testutil.ToFloat64(m.operations.WithLabelValues("create", "ok"))
	m.ObserveOperation("create", "")
	if got := testutil.ToFloat64(m.operations.WithLabelValues("create", "ok")) - before; got != 1 {
		t.Fatalf("expected one ok create, got %v", got)
	}
	var nilMetrics *ledgerMetrics
	nilMetrics.ObserveOperation("create", "ok")
	nilMetrics.RecordThrottle("rate_limit")
}
