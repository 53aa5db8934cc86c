package escrow

import (
	"github.com/holiman/uint256"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/native/common"
	"escrowledger/storage"
)

// Statistics aggregates every stored transaction. Totals use 256-bit
// arithmetic so they cannot wrap.
type Statistics struct {
	TotalTransactions      uint64            `json:"totalTransactions"`
	TotalVolume            *uint256.Int      `json:"totalVolume"`
	TotalFees              *uint256.Int      `json:"totalFees"`
	SettledFees            *uint256.Int      `json:"settledFees"`
	CompletedCount         uint64            `json:"completedCount"`
	OpenCount              uint64            `json:"openCount"`
	CancelledCount         uint64            `json:"cancelledCount"`
	DisputedCount          uint64            `json:"disputedCount"`
	AverageTransactionSize *uint256.Int      `json:"averageTransactionSize"`
	ByType                 map[string]uint64 `json:"byType"`
	ByStatus               map[string]uint64 `json:"byStatus"`
}

// Get returns the transaction with the given id.
func (e *Engine) Get(id uint64) (*Transaction, error) {
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetFor returns the transaction when requester is a participant or an admin.
func (e *Engine) GetFor(id uint64, requester string) (*Transaction, error) {
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if !tx.Participant(requester) && !e.isAdmin(requester) {
		return nil, ledgererrors.Unauthorized("not a participant in this transaction")
	}
	return tx, nil
}

// ListForAccount returns the account's transactions newest first, applying
// filter before offset and limit.
func (e *Engine) ListForAccount(account string, filter *Filter, offset, limit int) ([]*Transaction, error) {
	if err := common.ValidateAccount("account", account); err != nil {
		return nil, err
	}
	if err := common.ValidatePagination(offset, limit); err != nil {
		return nil, err
	}
	matches, err := e.txs.LookupIndex(storage.AccountPrefix(account), true, func(tx Transaction) bool {
		return filter.Matches(&tx)
	}, offset, limit)
	if err != nil {
		return nil, ledgererrors.Internalf(err, "list transactions for %s", account)
	}
	out := make([]*Transaction, 0, len(matches))
	for i := range matches {
		out = append(out, &matches[i])
	}
	return out, nil
}

// Statistics scans every transaction record.
func (e *Engine) Statistics() (Statistics, error) {
	stats := Statistics{
		TotalVolume:            new(uint256.Int),
		TotalFees:              new(uint256.Int),
		SettledFees:            new(uint256.Int),
		AverageTransactionSize: new(uint256.Int),
		ByType:                 make(map[string]uint64),
		ByStatus:               make(map[string]uint64),
	}
	err := e.txs.Primary().Scan(nil, func(_ uint64, tx Transaction) bool {
		stats.TotalTransactions++
		stats.TotalVolume.Add(stats.TotalVolume, uint256.NewInt(tx.Amount))
		stats.TotalFees.Add(stats.TotalFees, uint256.NewInt(tx.Fee))
		if tx.FeeSettledAt != nil {
			stats.SettledFees.Add(stats.SettledFees, uint256.NewInt(tx.Fee))
		}
		stats.ByType[tx.Kind.Type.String()]++
		stats.ByStatus[tx.Status.Kind.String()]++
		switch kind := tx.Status.Kind; {
		case kind == StatusCompleted:
			stats.CompletedCount++
		case kind == StatusCancelled:
			stats.CancelledCount++
		case kind == StatusDisputed || kind == StatusUnderReview:
			stats.DisputedCount++
			stats.OpenCount++
		case !kind.Terminal():
			stats.OpenCount++
		}
		return true
	})
	if err != nil {
		return Statistics{}, ledgererrors.Internalf(err, "scan transactions")
	}
	if stats.TotalTransactions > 0 {
		stats.AverageTransactionSize.Div(stats.TotalVolume, uint256.NewInt(stats.TotalTransactions))
	}
	return stats, nil
}
