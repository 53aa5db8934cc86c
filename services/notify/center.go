package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/native/common"
	"escrowledger/storage"
)

// Notification is a persisted message for one account.
type Notification struct {
	ID        uint64 `json:"id"`
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Resource  string `json:"resource"`
	CreatedAt uint64 `json:"createdAt"`
	Read      bool   `json:"read"`
	ReadAt    uint64 `json:"readAt,omitempty"`
}

// Center stores notifications in the notifications region, indexed by
// recipient, and hands each committed notification to the webhook queue. It is
// safe for concurrent use.
type Center struct {
	mu     sync.Mutex
	store  *storage.IndexedStore[uint64, Notification, storage.AccountKey]
	writer *storage.RegionManager
	queue  *Queue
	nextID uint64
	nowFn  func() time.Time
	logger *slog.Logger
}

// Open binds the center to its regions. queue may be nil when webhooks are
// disabled.
func Open(regions *storage.RegionManager, queue *Queue, logger *slog.Logger) (*Center, error) {
	primaryRegion, err := regions.Region(storage.RegionNotifications)
	if err != nil {
		return nil, err
	}
	indexRegion, err := regions.Region(storage.RegionNotificationIndex)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	primary := storage.NewKeyedStore[uint64, Notification](primaryRegion, storage.Uint64Keys{})
	index := storage.NewKeyedStore[storage.AccountKey, uint64](indexRegion, storage.AccountKeys{})
	c := &Center{
		store:  storage.NewIndexedStore(primary, index),
		writer: regions,
		queue:  queue,
		nextID: 1,
		nowFn:  time.Now,
		logger: logger,
	}
	err = primary.ScanReverse(func(id uint64, _ Notification) bool {
		c.nextID = id + 1
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("notify: load head: %w", err)
	}
	return c, nil
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (c *Center) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.mu.Lock()
	c.nowFn = now
	c.mu.Unlock()
}

// Notify persists a notification and queues it for webhook delivery.
// Failures are logged and swallowed.
func (c *Center) Notify(recipient, kind, message, resource string) {
	if !storage.ValidAccountKey(recipient) {
		c.logger.Warn("notification dropped", slog.String("kind", kind), slog.String("reason", "invalid recipient"))
		return
	}
	c.mu.Lock()
	now := c.nowFn()
	n := Notification{
		ID:        c.nextID,
		Recipient: recipient,
		Kind:      kind,
		Message:   message,
		Resource:  resource,
		CreatedAt: uint64(now.UnixNano()),
	}
	batch := storage.NewBatch()
	err := c.store.StageIndexed(batch, n.ID, n, storage.AccountKey{Account: recipient, ID: n.ID})
	if err == nil {
		err = c.writer.Write(batch)
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("notification persist failed",
			slog.String("recipient", recipient),
			slog.String("kind", kind),
			slog.Any("error", err))
		return
	}
	c.nextID++
	c.mu.Unlock()

	if c.queue != nil {
		c.queue.Enqueue(Event{
			DeliveryID:     uuid.NewString(),
			NotificationID: n.ID,
			Recipient:      recipient,
			Kind:           kind,
			Message:        message,
			Resource:       resource,
			CreatedAt:      now,
		})
	}
}

// ForRecipient lists account's notifications, newest first.
func (c *Center) ForRecipient(account string, unreadOnly bool, offset, limit int) ([]Notification, error) {
	if err := common.ValidateAccount("account", account); err != nil {
		return nil, err
	}
	if err := common.ValidatePagination(offset, limit); err != nil {
		return nil, err
	}
	var pred func(Notification) bool
	if unreadOnly {
		pred = func(n Notification) bool { return !n.Read }
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := c.store.LookupIndex(storage.AccountPrefix(account), true, pred, offset, limit)
	if err != nil {
		return nil, ledgererrors.Internalf(err, "list notifications for %s", account)
	}
	return out, nil
}

// MarkRead flags a notification as read. Only its recipient may do so.
func (c *Center) MarkRead(id uint64, account string) (Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok, err := c.store.Primary().Get(id)
	if err != nil {
		return Notification{}, ledgererrors.Internalf(err, "load notification %d", id)
	}
	if !ok {
		return Notification{}, ledgererrors.NotFound(fmt.Sprintf("notification_%d", id))
	}
	if n.Recipient != account {
		return Notification{}, ledgererrors.Unauthorized("notification belongs to another account")
	}
	if n.Read {
		return n, nil
	}
	n.Read = true
	n.ReadAt = uint64(c.nowFn().UnixNano())
	if _, _, err := c.store.Primary().Insert(id, n); err != nil {
		return Notification{}, ledgererrors.Internalf(err, "mark notification %d read", id)
	}
	return n, nil
}
