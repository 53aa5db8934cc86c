package balance

import (
	"fmt"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/core/types"
	"escrowledger/storage"
)

// Changeset accumulates balance mutations in memory. Nothing is persisted
// until Commit (or Stage plus a caller-owned batch write), so a failed step
// leaves every stored balance untouched.
type Changeset struct {
	ledger   *Ledger
	balances map[string]*Balance
	dirty    []string
	touched  map[string]struct{}
	history  []HistoryEntry
	events   []*types.Event
	lastTS   uint64
}

// Begin opens a changeset against the ledger.
func (l *Ledger) Begin() *Changeset {
	return &Changeset{ledger: l, balances: make(map[string]*Balance), touched: make(map[string]struct{}), lastTS: l.lastTS}
}

// Balance returns the working copy of account's balance.
func (c *Changeset) Balance(account string) (*Balance, error) {
	bal, err := c.load(account)
	if err != nil {
		return nil, err
	}
	return bal.Clone(), nil
}

func (c *Changeset) load(account string) (*Balance, error) {
	if bal, ok := c.balances[account]; ok {
		return bal, nil
	}
	bal, err := c.ledger.GetOrCreate(account)
	if err != nil {
		return nil, err
	}
	c.balances[account] = bal
	return bal, nil
}

func (c *Changeset) touch(bal *Balance, txID *uint64) {
	if _, ok := c.touched[bal.Account]; !ok {
		c.touched[bal.Account] = struct{}{}
		c.dirty = append(c.dirty, bal.Account)
	}
	if txID != nil {
		id := *txID
		bal.LastTransactionID = &id
	}
	bal.UpdatedAt = c.ledger.now()
}

func (c *Changeset) nextTimestamp() uint64 {
	ts := c.ledger.now()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	return ts
}

func (c *Changeset) appendHistory(account string, before, after uint64, change Change, txID *uint64, description string) {
	var id *uint64
	if txID != nil {
		v := *txID
		id = &v
	}
	c.history = append(c.history, HistoryEntry{
		Timestamp:     c.nextTimestamp(),
		Account:       account,
		BalanceBefore: before,
		BalanceAfter:  after,
		Change:        change,
		TransactionID: id,
		Description:   description,
	})
}

func checkedAdd(a, b uint64, what string) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ledgererrors.Internal(fmt.Sprintf("%s overflow", what))
	}
	return sum, nil
}

func saturatingAdd(a, b uint64) uint64 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint64(0)
}

func requireAmount(amount uint64) error {
	if amount == 0 {
		return ledgererrors.Validation("amount", "amount must be greater than zero")
	}
	return nil
}

// Credit adds amount to available.
func (c *Changeset) Credit(account string, amount uint64, txID *uint64, description string) error {
	if err := requireAmount(amount); err != nil {
		return err
	}
	bal, err := c.load(account)
	if err != nil {
		return err
	}
	after, err := checkedAdd(bal.Available, amount, "balance")
	if err != nil {
		return err
	}
	before := bal.Available
	bal.Available = after
	bal.TotalReceived = saturatingAdd(bal.TotalReceived, amount)
	c.touch(bal, txID)
	c.appendHistory(account, before, after, Increase(amount), txID, description)
	c.events = append(c.events, newBalanceEvent(EventTypeCredited, account, amount, txID))
	return nil
}

// Debit removes amount from available.
func (c *Changeset) Debit(account string, amount uint64, txID *uint64, description string) error {
	if err := requireAmount(amount); err != nil {
		return err
	}
	bal, err := c.load(account)
	if err != nil {
		return err
	}
	if bal.Available < amount {
		return ledgererrors.InsufficientFunds(bal.Available, amount)
	}
	before := bal.Available
	bal.Available -= amount
	bal.TotalSent = saturatingAdd(bal.TotalSent, amount)
	c.touch(bal, txID)
	c.appendHistory(account, before, bal.Available, Decrease(amount), txID, description)
	c.events = append(c.events, newBalanceEvent(EventTypeDebited, account, amount, txID))
	return nil
}

// Lock reserves amount against txID.
func (c *Changeset) Lock(account string, amount, txID uint64) error {
	if err := requireAmount(amount); err != nil {
		return err
	}
	bal, err := c.load(account)
	if err != nil {
		return err
	}
	if bal.Available < amount {
		return ledgererrors.InsufficientFunds(bal.Available, amount)
	}
	locked, err := checkedAdd(bal.Locked, amount, "locked balance")
	if err != nil {
		return err
	}
	before := bal.Available
	bal.Available -= amount
	bal.Locked = locked
	c.touch(bal, &txID)
	c.appendHistory(account, before, bal.Available, Change{}, &txID, fmt.Sprintf("Locked %d for transaction %d", amount, txID))
	c.events = append(c.events, newBalanceEvent(EventTypeLocked, account, amount, &txID))
	return nil
}

// Unlock releases amount previously locked against txID. Unlocking more than
// is locked signals an upstream defect and fails with an internal error.
func (c *Changeset) Unlock(account string, amount, txID uint64) error {
	if err := requireAmount(amount); err != nil {
		return err
	}
	bal, err := c.load(account)
	if err != nil {
		return err
	}
	if bal.Locked < amount {
		return ledgererrors.Internal(fmt.Sprintf("unlock %d exceeds locked %d for %s", amount, bal.Locked, account))
	}
	available, err := checkedAdd(bal.Available, amount, "balance")
	if err != nil {
		return err
	}
	before := bal.Available
	bal.Locked -= amount
	bal.Available = available
	c.touch(bal, &txID)
	c.appendHistory(account, before, bal.Available, Change{}, &txID, fmt.Sprintf("Unlocked %d for transaction %d", amount, txID))
	c.events = append(c.events, newBalanceEvent(EventTypeUnlocked, account, amount, &txID))
	return nil
}

// TransferLocked moves amount out of from.locked into to.available.
func (c *Changeset) TransferLocked(from, to string, amount, txID uint64, description string) error {
	if err := requireAmount(amount); err != nil {
		return err
	}
	if from == to {
		return ledgererrors.Validation("to", "cannot transfer locked funds to the same account")
	}
	src, err := c.load(from)
	if err != nil {
		return err
	}
	dst, err := c.load(to)
	if err != nil {
		return err
	}
	if src.Locked < amount {
		return ledgererrors.Internal(fmt.Sprintf("transfer %d exceeds locked %d for %s", amount, src.Locked, from))
	}
	received, err := checkedAdd(dst.Available, amount, "balance")
	if err != nil {
		return err
	}

	src.Locked -= amount
	src.TotalSent = saturatingAdd(src.TotalSent, amount)
	c.touch(src, &txID)
	c.appendHistory(from, src.Available, src.Available, Decrease(amount), &txID, description)

	dstBefore := dst.Available
	dst.Available = received
	dst.TotalReceived = saturatingAdd(dst.TotalReceived, amount)
	c.touch(dst, &txID)
	c.appendHistory(to, dstBefore, dst.Available, Increase(amount), &txID, description)

	c.events = append(c.events, newTransferEvent(from, to, amount, txID))
	return nil
}

// AddPending records an in-flight transfer on both parties' pending buckets.
// Pending buckets are informational and carry no history entry.
func (c *Changeset) AddPending(from, to string, amount uint64) error {
	src, err := c.load(from)
	if err != nil {
		return err
	}
	dst, err := c.load(to)
	if err != nil {
		return err
	}
	outgoing, err := checkedAdd(src.PendingOutgoing, amount, "pending outgoing")
	if err != nil {
		return err
	}
	incoming, err := checkedAdd(dst.PendingIncoming, amount, "pending incoming")
	if err != nil {
		return err
	}
	src.PendingOutgoing = outgoing
	dst.PendingIncoming = incoming
	c.touch(src, nil)
	c.touch(dst, nil)
	return nil
}

// ClearPending reverses AddPending once a transfer settles or is abandoned.
func (c *Changeset) ClearPending(from, to string, amount uint64) error {
	src, err := c.load(from)
	if err != nil {
		return err
	}
	dst, err := c.load(to)
	if err != nil {
		return err
	}
	if src.PendingOutgoing < amount || dst.PendingIncoming < amount {
		return ledgererrors.Internal(fmt.Sprintf("clear pending %d exceeds tracked pending between %s and %s", amount, from, to))
	}
	src.PendingOutgoing -= amount
	dst.PendingIncoming -= amount
	c.touch(src, nil)
	c.touch(dst, nil)
	return nil
}

// Stage writes every touched balance and history entry into batch.
func (c *Changeset) Stage(batch *storage.Batch) error {
	for _, account := range c.dirty {
		if err := c.ledger.balances.Stage(batch, account, *c.balances[account]); err != nil {
			return ledgererrors.Internalf(err, "stage balance %s", account)
		}
	}
	return c.stageHistory(batch)
}

func (c *Changeset) stageHistory(batch *storage.Batch) error {
	for _, entry := range c.history {
		if err := c.ledger.history.StageAdd(batch, entry.Timestamp, entry); err != nil {
			return ledgererrors.Internalf(err, "stage history")
		}
	}
	return nil
}

// Commit writes the changeset atomically.
func (c *Changeset) Commit() error {
	batch := storage.NewBatch()
	if err := c.Stage(batch); err != nil {
		return err
	}
	if err := c.ledger.writer.Write(batch); err != nil {
		return ledgererrors.Internalf(err, "commit balances")
	}
	c.Committed()
	return nil
}

// Committed must be called after a batch holding Stage's output has been
// written. It advances the history clock and emits the queued events.
func (c *Changeset) Committed() {
	c.committed()
	for _, evt := range c.events {
		c.ledger.emit(evt)
	}
	c.events = nil
}

func (c *Changeset) committed() {
	if c.lastTS > c.ledger.lastTS {
		c.ledger.lastTS = c.lastTS
	}
}
