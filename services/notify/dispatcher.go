package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Webhook-Signature"
	// DeliveryHeader carries the delivery id shared by every retry.
	DeliveryHeader = "X-Webhook-Delivery"

	defaultMaxAttempts = 5
	defaultBackoff     = time.Second
	maxBackoff         = 5 * time.Minute
)

// Endpoint is a webhook subscriber. An empty Events list subscribes to every
// notification kind.
type Endpoint struct {
	URL           string
	Secret        string
	Events        []string
	RatePerMinute int
}

func (e *Endpoint) wants(kind string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, candidate := range e.Events {
		if candidate == "*" || strings.EqualFold(candidate, kind) {
			return true
		}
	}
	return false
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient overrides the client used for deliveries.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithBackoff sets the delay before the first retry. Later retries double it.
func WithBackoff(base time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if base > 0 {
			d.backoff = base
		}
	}
}

// WithMaxAttempts bounds the number of tries per endpoint.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dispatcher delivers queued notifications to webhook endpoints.
type Dispatcher struct {
	queue       *Queue
	endpoints   []Endpoint
	limiters    map[string]*rate.Limiter
	attempts    *AttemptLog
	client      *http.Client
	logger      *slog.Logger
	nowFn       func() time.Time
	backoff     time.Duration
	maxAttempts int
}

// NewDispatcher builds a dispatcher. attempts may be nil, in which case
// attempts are only logged.
func NewDispatcher(queue *Queue, endpoints []Endpoint, attempts *AttemptLog, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:       queue,
		endpoints:   append([]Endpoint(nil), endpoints...),
		limiters:    make(map[string]*rate.Limiter, len(endpoints)),
		attempts:    attempts,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      slog.Default(),
		nowFn:       time.Now,
		backoff:     defaultBackoff,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, ep := range d.endpoints {
		perMinute := ep.RatePerMinute
		if perMinute <= 0 {
			perMinute = 60
		}
		d.limiters[ep.URL] = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
	}
	return d
}

// Run processes tasks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Endpoint == nil {
			d.expand(task)
			continue
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) expand(task Task) {
	for i := range d.endpoints {
		ep := &d.endpoints[i]
		if !ep.wants(task.Event.Kind) {
			continue
		}
		d.queue.push(Task{Event: task.Event, Endpoint: ep})
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type payload struct {
	DeliveryID     string `json:"deliveryId"`
	Type           string `json:"type"`
	NotificationID uint64 `json:"notificationId"`
	Recipient      string `json:"recipient"`
	Message        string `json:"message"`
	Resource       string `json:"resource"`
	Timestamp      string `json:"timestamp"`
	Attempt        int    `json:"attempt"`
}

func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	ep := task.Endpoint
	now := d.nowFn()
	if limiter := d.limiters[ep.URL]; limiter != nil {
		reservation := limiter.ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			task.NotBefore = now.Add(delay)
			d.queue.push(task)
			return
		}
	}
	task.Attempt++
	body, err := json.Marshal(payload{
		DeliveryID:     task.Event.DeliveryID,
		Type:           task.Event.Kind,
		NotificationID: task.Event.NotificationID,
		Recipient:      task.Event.Recipient,
		Message:        task.Event.Message,
		Resource:       task.Event.Resource,
		Timestamp:      task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
		Attempt:        task.Attempt,
	})
	if err != nil {
		d.finish(ctx, task, StatusFailed, err.Error(), time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		d.finish(ctx, task, StatusFailed, err.Error(), time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(ep.Secret, body))
	req.Header.Set(DeliveryHeader, task.Event.DeliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		d.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.retryLater(ctx, task, resp.Status)
		return
	}
	d.finish(ctx, task, StatusDelivered, "", time.Time{})
}

func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	delay := d.backoff
	for i := 1; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func (d *Dispatcher) retryLater(ctx context.Context, task Task, reason string) {
	if task.Attempt >= d.maxAttempts {
		d.finish(ctx, task, StatusFailed, reason, time.Time{})
		return
	}
	next := d.nowFn().Add(d.backoffFor(task.Attempt))
	d.finish(ctx, task, StatusRetry, reason, next)
	task.NotBefore = next
	d.queue.push(task)
}

func (d *Dispatcher) finish(ctx context.Context, task Task, status, reason string, next time.Time) {
	d.queue.metrics.recordDelivery(status)
	attrs := []any{
		slog.String("delivery_id", task.Event.DeliveryID),
		slog.String("endpoint", task.Endpoint.URL),
		slog.String("kind", task.Event.Kind),
		slog.Int("attempt", task.Attempt),
	}
	switch status {
	case StatusFailed:
		d.logger.Warn("webhook delivery failed", append(attrs, slog.String("error", reason))...)
	case StatusRetry:
		d.logger.Debug("webhook delivery will retry", append(attrs, slog.String("error", reason))...)
	}
	if d.attempts == nil {
		return
	}
	err := d.attempts.Record(ctx, Attempt{
		DeliveryID:     task.Event.DeliveryID,
		NotificationID: task.Event.NotificationID,
		Endpoint:       task.Endpoint.URL,
		Kind:           task.Event.Kind,
		Attempt:        task.Attempt,
		Status:         status,
		Error:          reason,
		NextAttempt:    next,
		CreatedAt:      d.nowFn(),
	})
	if err != nil {
		d.logger.Error("record webhook attempt", slog.String("delivery_id", task.Event.DeliveryID), slog.Any("error", err))
	}
}
