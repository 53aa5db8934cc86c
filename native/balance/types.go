package balance

import (
	"strconv"

	"github.com/holiman/uint256"
)

// Balance is the per-account record owned exclusively by the Ledger.
// Available and Locked together are the account's holdings; Locked only moves
// through Lock, Unlock and TransferLocked.
type Balance struct {
	Account           string  `json:"account"`
	Currency          string  `json:"currency"`
	Available         uint64  `json:"available"`
	Locked            uint64  `json:"locked"`
	PendingIncoming   uint64  `json:"pendingIncoming"`
	PendingOutgoing   uint64  `json:"pendingOutgoing"`
	TotalReceived     uint64  `json:"totalReceived"`
	TotalSent         uint64  `json:"totalSent"`
	LastTransactionID *uint64 `json:"lastTransactionId,omitempty" rlp:"nil"`
	UpdatedAt         uint64  `json:"updatedAt"`
}

// Clone returns a deep copy of the balance.
func (b *Balance) Clone() *Balance {
	if b == nil {
		return nil
	}
	clone := *b
	if b.LastTransactionID != nil {
		id := *b.LastTransactionID
		clone.LastTransactionID = &id
	}
	return &clone
}

// Holdings returns available + locked. The sum is reported in 256-bit space
// because each bucket may individually approach the uint64 limit.
func (b *Balance) Holdings() *uint256.Int {
	out := uint256.NewInt(b.Available)
	return out.Add(out, uint256.NewInt(b.Locked))
}

// Change is a signed amount stored as sign and magnitude so every unit of a
// uint64 balance can be represented.
type Change struct {
	Negative  bool
	Magnitude uint64
}

// Increase returns a positive change of v.
func Increase(v uint64) Change { return Change{Magnitude: v} }

// Decrease returns a negative change of v.
func Decrease(v uint64) Change { return Change{Negative: v != 0, Magnitude: v} }

// IsZero reports whether the change leaves holdings untouched.
func (c Change) IsZero() bool { return c.Magnitude == 0 }

func (c Change) String() string {
	s := strconv.FormatUint(c.Magnitude, 10)
	if c.Negative {
		return "-" + s
	}
	return s
}

// MarshalJSON renders the change as a signed JSON number.
func (c Change) MarshalJSON() ([]byte, error) { return []byte(c.String()), nil }

// HistoryEntry is one append-only record in the balance_history series. The
// before/after fields track the available bucket; Change is the net effect on
// available + locked.
type HistoryEntry struct {
	Timestamp     uint64  `json:"timestamp"`
	Account       string  `json:"account"`
	BalanceBefore uint64  `json:"balanceBefore"`
	BalanceAfter  uint64  `json:"balanceAfter"`
	Change        Change  `json:"change"`
	TransactionID *uint64 `json:"transactionId,omitempty" rlp:"nil"`
	Description   string  `json:"description"`
}

// Statistics aggregates every balance record. Totals are kept in 256-bit space
// so they cannot overflow.
type Statistics struct {
	Accounts             uint64       `json:"accounts"`
	TotalAvailable       *uint256.Int `json:"totalAvailable"`
	TotalLocked          *uint256.Int `json:"totalLocked"`
	TotalPendingIncoming *uint256.Int `json:"totalPendingIncoming"`
	TotalPendingOutgoing *uint256.Int `json:"totalPendingOutgoing"`
	TotalVolume          *uint256.Int `json:"totalVolume"`
}

// Fee returns amount * bps / 10_000 truncated toward zero. The product is
// formed in 256-bit space so it cannot overflow.
func Fee(amount, bps uint64) uint64 {
	product := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(bps))
	return product.Div(product, uint256.NewInt(10_000)).Uint64()
}
