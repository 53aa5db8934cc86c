package balance

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/holiman/uint256"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/core/events"
	"escrowledger/core/types"
	"escrowledger/storage"
)

// Ledger is the sole writer of balance records and balance history.
//
// A Ledger is not safe for concurrent use; the owning service serializes
// every call.
type Ledger struct {
	balances *storage.KeyedStore[string, Balance]
	history  *storage.TimeSeriesStore[HistoryEntry]
	writer   *storage.RegionManager

	currency string
	lastTS   uint64
	nowFn    func() time.Time
	emitter  events.Emitter
}

type balanceEvent struct {
	evt *types.Event
}

func (e balanceEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e balanceEvent) Event() *types.Event { return e.evt }

// NewLedger binds the ledger to the balances and balance_history regions.
func NewLedger(regions *storage.RegionManager, currency string) (*Ledger, error) {
	balancesRegion, err := regions.Region(storage.RegionBalances)
	if err != nil {
		return nil, err
	}
	historyRegion, err := regions.Region(storage.RegionBalanceHistory)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		balances: storage.NewKeyedStore[string, Balance](balancesRegion, storage.StringKeys{}),
		history:  storage.NewTimeSeriesStore[HistoryEntry](historyRegion),
		writer:   regions,
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		nowFn:    time.Now,
		emitter:  events.NoopEmitter{},
	}
	if l.currency == "" {
		l.currency = "USD"
	}
	latest, _, ok, err := l.history.Latest()
	if err != nil {
		return nil, fmt.Errorf("balance: load history head: %w", err)
	}
	if ok {
		l.lastTS = latest
	}
	return l, nil
}

// Currency returns the single currency the ledger settles in.
func (l *Ledger) Currency() string { return l.currency }

// SetNowFunc overrides the clock. Passing nil restores time.Now.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil installs a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

func (l *Ledger) now() uint64 { return uint64(l.nowFn().UnixNano()) }

// Get returns the stored balance for account.
func (l *Ledger) Get(account string) (*Balance, bool, error) {
	bal, ok, err := l.balances.Get(account)
	if err != nil {
		return nil, false, ledgererrors.Internalf(err, "load balance %s", account)
	}
	if !ok {
		return nil, false, nil
	}
	return &bal, true, nil
}

// GetOrCreate returns the stored balance or a zeroed one. A fresh balance is
// not persisted until its first mutation.
func (l *Ledger) GetOrCreate(account string) (*Balance, error) {
	bal, ok, err := l.Get(account)
	if err != nil {
		return nil, err
	}
	if ok {
		return bal, nil
	}
	return &Balance{Account: account, Currency: l.currency, UpdatedAt: l.now()}, nil
}

// Credit adds amount to account's available funds from an external source.
func (l *Ledger) Credit(account string, amount uint64, description string) (*Balance, error) {
	return l.single(account, func(c *Changeset) error { return c.Credit(account, amount, nil, description) })
}

// Debit removes amount from account's available funds to an external sink.
func (l *Ledger) Debit(account string, amount uint64, description string) (*Balance, error) {
	return l.single(account, func(c *Changeset) error { return c.Debit(account, amount, nil, description) })
}

// CreditFunds is Credit attributed to a transaction.
func (l *Ledger) CreditFunds(account string, amount, txID uint64, description string) (*Balance, error) {
	return l.single(account, func(c *Changeset) error { return c.Credit(account, amount, &txID, description) })
}

// DebitFunds is Debit attributed to a transaction.
func (l *Ledger) DebitFunds(account string, amount, txID uint64, description string) (*Balance, error) {
	return l.single(account, func(c *Changeset) error { return c.Debit(account, amount, &txID, description) })
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(account string, amount, txID uint64) (*Balance, error) {
	return l.single(account, func(c *Changeset) error { return c.Lock(account, amount, txID) })
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(account string, amount, txID uint64) (*Balance, error) {
	return l.single(account, func(c *Changeset) error { return c.Unlock(account, amount, txID) })
}

// TransferLocked settles amount from from.locked into to.available. Both
// balances and both history entries are committed in one batch.
func (l *Ledger) TransferLocked(from, to string, amount, txID uint64, description string) error {
	c := l.Begin()
	if err := c.TransferLocked(from, to, amount, txID, description); err != nil {
		return err
	}
	return c.Commit()
}

func (l *Ledger) single(account string, op func(*Changeset) error) (*Balance, error) {
	c := l.Begin()
	if err := op(c); err != nil {
		return nil, err
	}
	if err := c.Commit(); err != nil {
		return nil, err
	}
	return c.balances[account].Clone(), nil
}

// History returns account's entries with start <= timestamp <= end, oldest
// first. An end of zero means no upper bound.
func (l *Ledger) History(account string, start, end uint64, offset, limit int) ([]HistoryEntry, error) {
	if end == 0 {
		end = math.MaxUint64
	}
	if offset < 0 || limit <= 0 || end < start {
		return nil, nil
	}
	var (
		out     []HistoryEntry
		skipped int
	)
	err := l.history.Scan(&start, func(ts uint64, entry HistoryEntry) bool {
		if ts > end {
			return false
		}
		if entry.Account != account {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, entry)
		return len(out) < limit
	})
	if err != nil {
		return nil, ledgererrors.Internalf(err, "scan balance history")
	}
	return out, nil
}

// Statistics aggregates every stored balance.
func (l *Ledger) Statistics() (Statistics, error) {
	stats := Statistics{
		TotalAvailable:       new(uint256.Int),
		TotalLocked:          new(uint256.Int),
		TotalPendingIncoming: new(uint256.Int),
		TotalPendingOutgoing: new(uint256.Int),
		TotalVolume:          new(uint256.Int),
	}
	err := l.balances.Scan(nil, func(_ string, b Balance) bool {
		stats.Accounts++
		stats.TotalAvailable.Add(stats.TotalAvailable, uint256.NewInt(b.Available))
		stats.TotalLocked.Add(stats.TotalLocked, uint256.NewInt(b.Locked))
		stats.TotalPendingIncoming.Add(stats.TotalPendingIncoming, uint256.NewInt(b.PendingIncoming))
		stats.TotalPendingOutgoing.Add(stats.TotalPendingOutgoing, uint256.NewInt(b.PendingOutgoing))
		stats.TotalVolume.Add(stats.TotalVolume, uint256.NewInt(b.TotalSent))
		stats.TotalVolume.Add(stats.TotalVolume, uint256.NewInt(b.TotalReceived))
		return true
	})
	if err != nil {
		return Statistics{}, ledgererrors.Internalf(err, "scan balances")
	}
	return stats, nil
}

// PruneHistory removes entries older than before. The net change of the
// removed entries is carried forward as one entry per account so the sum of
// an account's history keeps matching its holdings.
func (l *Ledger) PruneHistory(before uint64) (int, error) {
	type carry struct {
		credit, debit uint256.Int
	}
	carried := make(map[string]*carry)
	var order []string
	err := l.history.Scan(nil, func(ts uint64, entry HistoryEntry) bool {
		if ts >= before {
			return false
		}
		acc, ok := carried[entry.Account]
		if !ok {
			acc = &carry{}
			carried[entry.Account] = acc
			order = append(order, entry.Account)
		}
		if entry.Change.Negative {
			acc.debit.Add(&acc.debit, uint256.NewInt(entry.Change.Magnitude))
		} else {
			acc.credit.Add(&acc.credit, uint256.NewInt(entry.Change.Magnitude))
		}
		return true
	})
	if err != nil {
		return 0, ledgererrors.Internalf(err, "scan balance history")
	}
	if len(order) == 0 {
		return 0, nil
	}

	c := l.Begin()
	for _, account := range order {
		acc := carried[account]
		if acc.credit.Lt(&acc.debit) {
			return 0, ledgererrors.Internal(fmt.Sprintf("history for %s nets below zero", account))
		}
		net := new(uint256.Int).Sub(&acc.credit, &acc.debit)
		if !net.IsUint64() {
			return 0, ledgererrors.Internal(fmt.Sprintf("carried history for %s overflows", account))
		}
		bal, err := c.load(account)
		if err != nil {
			return 0, err
		}
		c.appendHistory(account, bal.Available, bal.Available, Increase(net.Uint64()), nil, "history carried forward")
	}

	batch := storage.NewBatch()
	removed := 0
	err = l.history.Scan(nil, func(ts uint64, _ HistoryEntry) bool {
		if ts >= before {
			return false
		}
		l.history.StageRemove(batch, ts)
		removed++
		return true
	})
	if err != nil {
		return 0, ledgererrors.Internalf(err, "scan balance history")
	}
	if err := c.stageHistory(batch); err != nil {
		return 0, err
	}
	if err := l.writer.Write(batch); err != nil {
		return 0, ledgererrors.Internalf(err, "prune balance history")
	}
	c.committed()
	return removed, nil
}

// Reconcile checks that every account's holdings equal the net of its
// history. It runs at startup and in tests.
func (l *Ledger) Reconcile() error {
	type sums struct{ credit, debit uint256.Int }
	totals := make(map[string]*sums)
	err := l.history.Scan(nil, func(_ uint64, entry HistoryEntry) bool {
		s, ok := totals[entry.Account]
		if !ok {
			s = &sums{}
			totals[entry.Account] = s
		}
		if entry.Change.Negative {
			s.debit.Add(&s.debit, uint256.NewInt(entry.Change.Magnitude))
		} else {
			s.credit.Add(&s.credit, uint256.NewInt(entry.Change.Magnitude))
		}
		return true
	})
	if err != nil {
		return ledgererrors.Internalf(err, "scan balance history")
	}
	var mismatch error
	err = l.balances.Scan(nil, func(account string, b Balance) bool {
		s, ok := totals[account]
		if !ok {
			s = &sums{}
		}
		net := new(uint256.Int).Sub(&s.credit, &s.debit)
		if s.credit.Lt(&s.debit) || !net.Eq(b.Holdings()) {
			mismatch = ledgererrors.Internal(fmt.Sprintf("account %s holdings %s do not match history net", account, b.Holdings().Dec()))
			return false
		}
		return true
	})
	if err != nil {
		return ledgererrors.Internalf(err, "scan balances")
	}
	return mismatch
}

// Verify decodes every balance and history record.
func (l *Ledger) Verify() error {
	if _, err := l.balances.Verify(); err != nil {
		return err
	}
	_, err := l.history.Verify()
	return err
}

func (l *Ledger) emit(evt *types.Event) {
	if l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(balanceEvent{evt: evt})
}
