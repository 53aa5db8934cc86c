package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/storage"
)

func openTestCenter(t *testing.T, queue *Queue) (*Center, *storage.RegionManager) {
	t.Helper()
	regions, err := storage.OpenRegions(storage.NewMemDB(), storage.LedgerRegions)
	if err != nil {
		t.Fatalf("open regions: %v", err)
	}
	t.Cleanup(func() { _ = regions.Close() })
	center, err := Open(regions, queue, nil)
	if err != nil {
		t.Fatalf("open center: %v", err)
	}
	return center, regions
}

func TestCenterPersistsAndLists(t *testing.T) {
	queue := NewQueue()
	center, regions := openTestCenter(t, queue)

	center.Notify("bob", "transaction_created", "New transaction from alice", "transaction_1")
	center.Notify("alice", "escrow_accepted", "Escrow terms accepted", "transaction_1")
	center.Notify("bob", "transaction_completed", "Funds released", "transaction_1")

	if queue.Len() != 3 {
		t.Fatalf("expected 3 queued events, got %d", queue.Len())
	}
	list, err := center.ForRecipient("bob", false, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Kind != "transaction_completed" || list[1].ID != 1 {
		t.Fatalf("unexpected notifications %+v", list)
	}

	if _, err := center.MarkRead(list[0].ID, "alice"); !errors.Is(err, ledgererrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := center.MarkRead(99, "bob"); !errors.Is(err, ledgererrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	read, err := center.MarkRead(list[0].ID, "bob")
	if err != nil || !read.Read {
		t.Fatalf("mark read: %+v err=%v", read, err)
	}
	unread, err := center.ForRecipient("bob", true, 0, 10)
	if err != nil || len(unread) != 1 || unread[0].ID != 1 {
		t.Fatalf("unexpected unread list %+v err=%v", unread, err)
	}

	reopened, err := Open(regions, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.Notify("carol", "dispute_opened", "Dispute opened", "transaction_2")
	carol, err := reopened.ForRecipient("carol", false, 0, 1)
	if err != nil || len(carol) != 1 || carol[0].ID != 4 {
		t.Fatalf("expected id 4 after reopen, got %+v err=%v", carol, err)
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	queue := NewQueue(WithCapacity(2), WithTTL(time.Minute), withClock(func() time.Time { return now }))
	for i := 1; i <= 3; i++ {
		queue.Enqueue(Event{NotificationID: uint64(i)})
	}
	if queue.Len() != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", queue.Len())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	if !ok || task.Event.NotificationID != 2 {
		t.Fatalf("expected oldest surviving task 2, got %+v ok=%v", task, ok)
	}

	now = now.Add(2 * time.Minute)
	if queue.Len() != 1 {
		t.Fatalf("expected 1 task before eviction, got %d", queue.Len())
	}
	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	if _, ok := queue.Dequeue(short); ok {
		t.Fatalf("expired task must not be delivered")
	}
}

type capturedDelivery struct {
	signature string
	delivery  string
	body      []byte
}

func TestDispatcherSignsAndRetries(t *testing.T) {
	var (
		mu        sync.Mutex
		captured  []capturedDelivery
		responses atomic.Int32
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedDelivery{
			signature: r.Header.Get(SignatureHeader),
			delivery:  r.Header.Get(DeliveryHeader),
			body:      body,
		})
		mu.Unlock()
		if responses.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	attempts, err := OpenAttemptLog(":memory:")
	if err != nil {
		t.Fatalf("open attempt log: %v", err)
	}
	defer attempts.Close()

	queue := NewQueue()
	dispatcher := NewDispatcher(queue, []Endpoint{
		{URL: server.URL, Secret: "s3cret", Events: []string{"transaction_created"}},
		{URL: server.URL + "/ignored", Secret: "other", Events: []string{"dispute_opened"}},
	}, attempts, WithBackoff(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	queue.Enqueue(Event{
		DeliveryID:     "delivery-1",
		NotificationID: 1,
		Recipient:      "bob",
		Kind:           "transaction_created",
		Message:        "New transaction from alice",
		Resource:       "transaction_1",
		CreatedAt:      time.Unix(1_700_000_000, 0),
	})

	deadline := time.Now().Add(5 * time.Second)
	var history []Attempt
	for time.Now().Before(deadline) {
		history, err = attempts.ForDelivery(context.Background(), "delivery-1")
		if err != nil {
			t.Fatalf("attempt history: %v", err)
		}
		if len(history) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if len(history) != 2 || history[0].Status != StatusRetry || history[1].Status != StatusDelivered {
		t.Fatalf("unexpected attempt history %+v", history)
	}
	if history[0].NextAttempt.IsZero() || history[1].Attempt != 2 {
		t.Fatalf("unexpected retry bookkeeping %+v", history)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(captured) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(captured))
	}
	for _, c := range captured {
		if c.delivery != "delivery-1" {
			t.Fatalf("unexpected delivery id %q", c.delivery)
		}
		if c.signature != Sign("s3cret", c.body) {
			t.Fatalf("signature mismatch")
		}
	}
	var body map[string]any
	if err := json.Unmarshal(captured[1].body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["type"] != "transaction_created" || body["resource"] != "transaction_1" || body["attempt"].(float64) != 2 {
		t.Fatalf("unexpected payload %v", body)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	d := NewDispatcher(NewQueue(), nil, nil, WithBackoff(time.Second))
	if got := d.backoffFor(1); got != time.Second {
		t.Fatalf("attempt 1: expected 1s, got %s", got)
	}
	if got := d.backoffFor(3); got != 4*time.Second {
		t.Fatalf("attempt 3: expected 4s, got %s", got)
	}
	if got := d.backoffFor(20); got != maxBackoff {
		t.Fatalf("attempt 20: expected cap, got %s", got)
	}
}
