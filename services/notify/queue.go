package notify

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Event is a committed notification waiting to be pushed to webhook
// endpoints.
type Event struct {
	DeliveryID     string
	NotificationID uint64
	Recipient      string
	Kind           string
	Message        string
	Resource       string
	CreatedAt      time.Time
}

// Task is one unit of dispatcher work. A task without an endpoint fans out to
// every subscribed endpoint.
type Task struct {
	Event     Event
	Endpoint  *Endpoint
	Attempt   int
	NotBefore time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
	pollInterval         = 25 * time.Millisecond
)

// WithCapacity sets the maximum number of pending tasks. Older tasks are
// dropped once the queue is full.
func WithCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued tasks remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded, in-memory buffer between the ledger and the webhook
// dispatcher. Losing queued tasks on restart is acceptable because the
// notifications themselves are persisted.
type Queue struct {
	mu      sync.Mutex
	tasks   ring[queuedTask]
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewQueue constructs a bounded queue.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		capacity: defaultQueueCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks:   newRing[queuedTask](cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: sharedQueueMetrics(),
	}
}

// Enqueue adds a fan-out task for evt.
func (q *Queue) Enqueue(evt Event) {
	q.push(Task{Event: evt})
}

func (q *Queue) push(task Task) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

// Dequeue waits for the next task. Returns false if the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return Task{}, false
			case <-time.After(pollInterval):
				continue
			}
		}

		if delay := queued.task.NotBefore.Sub(q.now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Task{}, false
			case <-timer.C:
			}
		}
		return queued.task, true
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	q.metrics.recordDropped("ttl", expired)
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	var zero T
	if len(r.buf) == 0 {
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

var (
	metricsOnce   sync.Once
	queueCounters *queueMetrics
)

type queueMetrics struct {
	dropped    metric.Int64Counter
	deliveries metric.Int64Counter
}

func sharedQueueMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("escrowledger/notify")
		dropped, err := meter.Int64Counter("escrow.webhooks.dropped")
		if err != nil {
			dropped, _ = noop.NewMeterProvider().Meter("escrowledger/notify").Int64Counter("escrow.webhooks.dropped")
		}
		deliveries, err := meter.Int64Counter("escrow.webhooks.deliveries")
		if err != nil {
			deliveries, _ = noop.NewMeterProvider().Meter("escrowledger/notify").Int64Counter("escrow.webhooks.deliveries")
		}
		queueCounters = &queueMetrics{dropped: dropped, deliveries: deliveries}
	})
	return queueCounters
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *queueMetrics) recordDelivery(status string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}
