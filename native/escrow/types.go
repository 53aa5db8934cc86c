package escrow

import (
	"fmt"
	"strings"
)

// TxType enumerates the transaction kinds the ledger records.
type TxType uint8

const (
	TxDirectPayment TxType = iota
	TxEscrow
	TxScheduledPayment
	TxRefund
	TxDispute
	TxRelease
	TxReversal
	TxDeposit
	TxWithdrawal
)

var txTypeNames = [...]string{
	TxDirectPayment:    "direct_payment",
	TxEscrow:           "escrow",
	TxScheduledPayment: "scheduled_payment",
	TxRefund:           "refund",
	TxDispute:          "dispute",
	TxRelease:          "release",
	TxReversal:         "reversal",
	TxDeposit:          "deposit",
	TxWithdrawal:       "withdrawal",
}

func (t TxType) String() string {
	if int(t) < len(txTypeNames) {
		return txTypeNames[t]
	}
	return fmt.Sprintf("tx_type(%d)", uint8(t))
}

// Valid reports whether the type value is within the supported range.
func (t TxType) Valid() bool { return int(t) < len(txTypeNames) }

// UserCreatable reports whether callers may open a transaction of this type
// directly. The remaining types are produced by the ledger itself.
func (t TxType) UserCreatable() bool {
	return t == TxDirectPayment || t == TxEscrow || t == TxScheduledPayment
}

// ParseTxType resolves the canonical name of a transaction type.
func ParseTxType(name string) (TxType, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range txTypeNames {
		if candidate == normalized {
			return TxType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown transaction type %q", name)
}

func (t TxType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TxType) UnmarshalText(b []byte) error {
	parsed, err := ParseTxType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PaymentFrequency describes how often a scheduled payment recurs.
type PaymentFrequency uint8

const (
	FrequencyOneTime PaymentFrequency = iota
	FrequencyDaily
	FrequencyWeekly
	FrequencyBiWeekly
	FrequencyMonthly
	FrequencyQuarterly
	FrequencyYearly
	FrequencyCustom
)

// PaymentSchedule is the recurrence attached to a scheduled payment.
// IntervalDays applies only to FrequencyCustom.
type PaymentSchedule struct {
	Frequency         PaymentFrequency `json:"frequency"`
	IntervalDays      uint32           `json:"intervalDays,omitempty"`
	StartDate         uint64           `json:"startDate"`
	EndDate           *uint64          `json:"endDate,omitempty" rlp:"nil"`
	AmountPerPayment  uint64           `json:"amountPerPayment"`
	TotalPayments     *uint32          `json:"totalPayments,omitempty" rlp:"nil"`
	PaymentsCompleted uint32           `json:"paymentsCompleted"`
	NextPaymentDate   uint64           `json:"nextPaymentDate"`
}

// Kind carries the type of a transaction together with the fields that only
// some types use.
type Kind struct {
	Type                  TxType           `json:"type"`
	ReleaseConditions     []string         `json:"releaseConditions,omitempty"`
	AutoReleaseAfter      *uint64          `json:"autoReleaseAfter,omitempty" rlp:"nil"`
	Schedule              *PaymentSchedule `json:"schedule,omitempty" rlp:"nil"`
	OriginalTransactionID *uint64          `json:"originalTransactionId,omitempty" rlp:"nil"`
	DisputeReason         string           `json:"disputeReason,omitempty"`
	Evidence              []string         `json:"evidence,omitempty"`
}

// Note is a free-form remark attached to a transaction.
type Note struct {
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt uint64 `json:"createdAt"`
	Private   bool   `json:"private"`
}

// Attachment references an external document.
type Attachment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MimeType   string `json:"mimeType"`
	Size       uint64 `json:"size"`
	URL        string `json:"url"`
	UploadedBy string `json:"uploadedBy"`
	UploadedAt uint64 `json:"uploadedAt"`
}

// CustomField is an ordered key/value pair.
type CustomField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata is descriptive data that never affects fund movement.
type Metadata struct {
	InvoiceID    string        `json:"invoiceId,omitempty"`
	OrderID      string        `json:"orderId,omitempty"`
	Category     string        `json:"category,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Notes        []Note        `json:"notes,omitempty"`
	Attachments  []Attachment  `json:"attachments,omitempty"`
	CustomFields []CustomField `json:"customFields,omitempty"`
}

// Transaction is the record owned exclusively by the Engine. Amount and Fee
// are fixed at creation; only Status, the timestamps and metadata notes
// change afterwards. Timestamps are unix nanoseconds.
type Transaction struct {
	ID           uint64   `json:"id"`
	Kind         Kind     `json:"kind"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	Amount       uint64   `json:"amount"`
	Fee          uint64   `json:"fee"`
	Currency     string   `json:"currency"`
	Description  string   `json:"description"`
	Status       Status   `json:"status"`
	EscrowAgent  string   `json:"escrowAgent,omitempty"`
	CreatedAt    uint64   `json:"createdAt"`
	UpdatedAt    uint64   `json:"updatedAt"`
	CompletedAt  *uint64  `json:"completedAt,omitempty" rlp:"nil"`
	Deadline     *uint64  `json:"deadline,omitempty" rlp:"nil"`
	FeeSettledAt *uint64  `json:"feeSettledAt,omitempty" rlp:"nil"`
	Metadata     Metadata `json:"metadata"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Kind.ReleaseConditions = append([]string(nil), t.Kind.ReleaseConditions...)
	clone.Kind.Evidence = append([]string(nil), t.Kind.Evidence...)
	clone.Kind.AutoReleaseAfter = cloneUint64(t.Kind.AutoReleaseAfter)
	clone.Kind.OriginalTransactionID = cloneUint64(t.Kind.OriginalTransactionID)
	if t.Kind.Schedule != nil {
		sched := *t.Kind.Schedule
		sched.EndDate = cloneUint64(t.Kind.Schedule.EndDate)
		if t.Kind.Schedule.TotalPayments != nil {
			total := *t.Kind.Schedule.TotalPayments
			sched.TotalPayments = &total
		}
		clone.Kind.Schedule = &sched
	}
	clone.Status = t.Status.clone()
	clone.CompletedAt = cloneUint64(t.CompletedAt)
	clone.Deadline = cloneUint64(t.Deadline)
	clone.FeeSettledAt = cloneUint64(t.FeeSettledAt)
	clone.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	clone.Metadata.Notes = append([]Note(nil), t.Metadata.Notes...)
	clone.Metadata.Attachments = append([]Attachment(nil), t.Metadata.Attachments...)
	clone.Metadata.CustomFields = append([]CustomField(nil), t.Metadata.CustomFields...)
	return &clone
}

// Participant reports whether account is the sender, recipient or agent.
func (t *Transaction) Participant(account string) bool {
	return account != "" && (t.From == account || t.To == account || t.EscrowAgent == account)
}

// Locked returns the amount the transaction holds against the sender.
func (t *Transaction) Locked() uint64 { return t.Amount + t.Fee }

func cloneUint64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// CreateRequest is the caller-supplied definition of a new transaction.
type CreateRequest struct {
	Kind        Kind     `json:"kind"`
	To          string   `json:"to"`
	Amount      uint64   `json:"amount"`
	Currency    string   `json:"currency"`
	Description string   `json:"description"`
	EscrowAgent string   `json:"escrowAgent,omitempty"`
	Deadline    *uint64  `json:"deadline,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	InvoiceID   string   `json:"invoiceId,omitempty"`
	OrderID     string   `json:"orderId,omitempty"`
}

// Filter narrows ListForAccount results. Zero values disable a criterion.
type Filter struct {
	Statuses      []StatusKind
	Types         []TxType
	MinAmount     uint64
	MaxAmount     uint64
	Category      string
	Tags          []string
	CreatedAfter  uint64
	CreatedBefore uint64
}

// Matches reports whether tx satisfies every configured criterion.
func (f *Filter) Matches(tx *Transaction) bool {
	if f == nil {
		return true
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, tx.Status.Kind) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, tx.Kind.Type) {
		return false
	}
	if f.MinAmount > 0 && tx.Amount < f.MinAmount {
		return false
	}
	if f.MaxAmount > 0 && tx.Amount > f.MaxAmount {
		return false
	}
	if f.Category != "" && !strings.EqualFold(f.Category, tx.Metadata.Category) {
		return false
	}
	if len(f.Tags) > 0 && !anyTag(f.Tags, tx.Metadata.Tags) {
		return false
	}
	if f.CreatedAfter > 0 && tx.CreatedAt < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore > 0 && tx.CreatedAt > f.CreatedBefore {
		return false
	}
	return true
}

func containsStatus(list []StatusKind, k StatusKind) bool {
	for _, s := range list {
		if s == k {
			return true
		}
	}
	return false
}

func containsType(list []TxType, t TxType) bool {
	for _, candidate := range list {
		if candidate == t {
			return true
		}
	}
	return false
}

func anyTag(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}
