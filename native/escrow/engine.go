package escrow

import (
	"fmt"
	"math"
	"strings"
	"time"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/core/events"
	"escrowledger/core/types"
	"escrowledger/native/balance"
	"escrowledger/native/common"
	"escrowledger/native/params"
	"escrowledger/storage"
)

const (
	maxTags              = 20
	maxTagLength         = 50
	maxReleaseConditions = 20
	maxEvidence          = 20
)

// Notifier receives fire-and-forget notifications after a transition commits.
type Notifier interface {
	Notify(recipient, kind, message, resource string)
}

// Auditor records fire-and-forget audit entries after a transition commits.
type Auditor interface {
	Log(actor, action, resource, detail string) uint64
}

// AdminGate decides whether an account holds administrative rights.
type AdminGate interface {
	IsAdmin(account string) bool
}

// Config carries the engine limits. FeeBps lives in the params store because
// admins may change it at runtime.
type Config struct {
	MinAmount uint64
	MaxAmount uint64
	// Treasury receives settled fees. Empty disables SettleFee.
	Treasury string
	// RequireRecipientApproval restricts Approve to the recipient.
	RequireRecipientApproval bool
}

// Engine drives the transaction state machine and is the only writer of
// transaction records. Every fund movement goes through the balance ledger
// and is committed in the same batch as the transaction record.
//
// An Engine is not safe for concurrent use.
type Engine struct {
	ledger *balance.Ledger
	params *params.Store
	quota  *common.QuotaStore
	txs    *storage.IndexedStore[uint64, Transaction, storage.AccountKey]
	writer *storage.RegionManager
	cfg    Config

	notifier Notifier
	auditor  Auditor
	admins   AdminGate
	emitter  events.Emitter
	nowFn    func() time.Time
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewEngine binds the engine to the transactions and transaction_index
// regions.
func NewEngine(regions *storage.RegionManager, ledger *balance.Ledger, store *params.Store, cfg Config) (*Engine, error) {
	if ledger == nil || store == nil {
		return nil, fmt.Errorf("escrow engine: ledger and params store are required")
	}
	if cfg.MaxAmount > 0 && cfg.MinAmount > cfg.MaxAmount {
		return nil, fmt.Errorf("escrow engine: min amount %d exceeds max amount %d", cfg.MinAmount, cfg.MaxAmount)
	}
	primaryRegion, err := regions.Region(storage.RegionTransactions)
	if err != nil {
		return nil, err
	}
	indexRegion, err := regions.Region(storage.RegionTransactionIndex)
	if err != nil {
		return nil, err
	}
	primary := storage.NewKeyedStore[uint64, Transaction](primaryRegion, storage.Uint64Keys{})
	index := storage.NewKeyedStore[storage.AccountKey, uint64](indexRegion, storage.AccountKeys{})
	return &Engine{
		ledger:  ledger,
		params:  store,
		txs:     storage.NewIndexedStore(primary, index),
		writer:  regions,
		cfg:     cfg,
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
	}, nil
}

// SetQuota installs the per-account creation quota.
func (e *Engine) SetQuota(q *common.QuotaStore) { e.quota = q }

// SetNotifier configures the notification collaborator.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetAuditor configures the audit collaborator.
func (e *Engine) SetAuditor(a Auditor) { e.auditor = a }

// SetAdminGate configures the administrative gate.
func (e *Engine) SetAdminGate(g AdminGate) { e.admins = g }

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// Config returns the engine limits.
func (e *Engine) Config() Config { return e.cfg }

// FeeBps returns the active fee in basis points.
func (e *Engine) FeeBps() uint64 { return e.params.FeeBps() }

func (e *Engine) emit(event *types.Event) {
	if e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) notify(recipient, kind, message string, id uint64) {
	if e.notifier == nil || recipient == "" {
		return
	}
	e.notifier.Notify(recipient, kind, message, resourceRef(id))
}

func (e *Engine) audit(actor, action string, id uint64, detail string) {
	if e.auditor == nil {
		return
	}
	e.auditor.Log(actor, action, resourceRef(id), detail)
}

func (e *Engine) isAdmin(account string) bool {
	return e.admins != nil && account != "" && e.admins.IsAdmin(account)
}

func resourceRef(id uint64) string { return fmt.Sprintf("transaction_%d", id) }

func (e *Engine) load(id uint64) (*Transaction, error) {
	tx, ok, err := e.txs.Primary().Get(id)
	if err != nil {
		return nil, ledgererrors.Internalf(err, "load transaction %d", id)
	}
	if !ok {
		return nil, ledgererrors.NotFound(resourceRef(id))
	}
	return &tx, nil
}

func requireState(tx *Transaction, kinds ...StatusKind) error {
	for _, k := range kinds {
		if tx.Status.Kind == k {
			return nil
		}
	}
	return ledgererrors.InvalidState(tx.Status.Kind.String(), requiredStates(kinds...))
}

// mutation collects everything one operation writes so it can be committed in
// a single batch.
type mutation struct {
	changes *balance.Changeset
	created []*Transaction
	updated []*Transaction
	system  *params.SystemState
	quotaOf string
	usage   common.QuotaNow
}

func (e *Engine) commit(m *mutation) error {
	batch := storage.NewBatch()
	if m.changes != nil {
		if err := m.changes.Stage(batch); err != nil {
			return err
		}
	}
	for _, tx := range m.created {
		if err := e.txs.StageIndexed(batch, tx.ID, *tx, storage.AccountKey{Account: tx.From, ID: tx.ID}, storage.AccountKey{Account: tx.To, ID: tx.ID}); err != nil {
			return ledgererrors.Internalf(err, "stage transaction %d", tx.ID)
		}
	}
	for _, tx := range m.updated {
		if err := e.txs.Primary().Stage(batch, tx.ID, *tx); err != nil {
			return ledgererrors.Internalf(err, "stage transaction %d", tx.ID)
		}
	}
	if m.system != nil {
		if err := e.params.Stage(batch, *m.system); err != nil {
			return ledgererrors.Internalf(err, "stage system state")
		}
	}
	if m.quotaOf != "" {
		if err := e.quota.Stage(batch, m.quotaOf, m.usage); err != nil {
			return ledgererrors.Internalf(err, "stage quota")
		}
	}
	if err := e.writer.Write(batch); err != nil {
		return ledgererrors.Internalf(err, "commit transaction batch")
	}
	if m.changes != nil {
		m.changes.Committed()
	}
	if m.system != nil {
		e.params.Committed(*m.system)
	}
	return nil
}

// allocateID reserves the next transaction id in a staged system state.
func (e *Engine) allocateID() (uint64, *params.SystemState, error) {
	state := e.params.State()
	id := state.NextTransactionID
	if id == math.MaxUint64 {
		return 0, nil, ledgererrors.Internal("transaction id space exhausted")
	}
	state.NextTransactionID = id + 1
	return id, &state, nil
}

func nanos(t time.Time) uint64 {
	if n := t.UnixNano(); n > 0 {
		return uint64(n)
	}
	return 0
}

func (e *Engine) validateRequest(from string, req CreateRequest, now time.Time) (CreateRequest, error) {
	if err := common.ValidateAccount("from", from); err != nil {
		return req, err
	}
	if err := common.ValidateAccount("to", req.To); err != nil {
		return req, err
	}
	if from == req.To {
		return req, ledgererrors.Validation("to", "cannot send to yourself")
	}
	if !req.Kind.Type.Valid() || !req.Kind.Type.UserCreatable() {
		return req, ledgererrors.Validation("kind", fmt.Sprintf("transactions of type %s cannot be created directly", req.Kind.Type))
	}
	if err := common.ValidateAmount(req.Amount, e.cfg.MinAmount, e.cfg.MaxAmount); err != nil {
		return req, err
	}
	if err := common.ValidateCurrency(req.Currency, e.ledger.Currency()); err != nil {
		return req, err
	}
	description, err := common.SanitizeText("description", req.Description, 1, common.MaxTextLength)
	if err != nil {
		return req, err
	}
	req.Description = description
	if req.Deadline != nil {
		if err := validateTimestamp("deadline", *req.Deadline, now); err != nil {
			return req, err
		}
	}
	if req.EscrowAgent != "" {
		if err := common.ValidateAccount("escrowAgent", req.EscrowAgent); err != nil {
			return req, err
		}
		if req.EscrowAgent == from || req.EscrowAgent == req.To {
			return req, ledgererrors.Validation("escrowAgent", "escrow agent must be a third party")
		}
	}
	if req.Kind, err = validateKind(req.Kind, req.Amount, now); err != nil {
		return req, err
	}
	if req.Tags, err = sanitizeList("tags", req.Tags, maxTags, maxTagLength); err != nil {
		return req, err
	}
	if req.Category, err = common.SanitizeText("category", req.Category, 0, maxTagLength); err != nil {
		return req, err
	}
	req.Category = strings.ToLower(req.Category)
	if req.InvoiceID, err = common.SanitizeText("invoiceId", req.InvoiceID, 0, maxTagLength*2); err != nil {
		return req, err
	}
	if req.OrderID, err = common.SanitizeText("orderId", req.OrderID, 0, maxTagLength*2); err != nil {
		return req, err
	}
	return req, nil
}

func validateTimestamp(field string, ts uint64, now time.Time) error {
	if ts > math.MaxInt64 {
		return ledgererrors.Validation(field, "timestamp too far in the future")
	}
	return common.ValidateDeadline(field, time.Unix(0, int64(ts)), now)
}

func validateKind(kind Kind, amount uint64, now time.Time) (Kind, error) {
	var err error
	switch kind.Type {
	case TxEscrow:
		if kind.ReleaseConditions, err = sanitizeList("releaseConditions", kind.ReleaseConditions, maxReleaseConditions, common.MaxTextLength); err != nil {
			return kind, err
		}
		if kind.AutoReleaseAfter != nil {
			if err := validateTimestamp("autoReleaseAfter", *kind.AutoReleaseAfter, now); err != nil {
				return kind, err
			}
		}
	case TxScheduledPayment:
		s := kind.Schedule
		switch {
		case s == nil:
			return kind, ledgererrors.Validation("schedule", "scheduled payments require a schedule")
		case s.Frequency > FrequencyCustom:
			return kind, ledgererrors.Validation("schedule.frequency", "unknown frequency")
		case s.Frequency == FrequencyCustom && s.IntervalDays == 0:
			return kind, ledgererrors.Validation("schedule.intervalDays", "custom schedules need an interval")
		case s.AmountPerPayment == 0 || s.AmountPerPayment > amount:
			return kind, ledgererrors.Validation("schedule.amountPerPayment", "amount per payment must be positive and not exceed the total")
		case s.TotalPayments != nil && *s.TotalPayments == 0:
			return kind, ledgererrors.Validation("schedule.totalPayments", "total payments must be positive when set")
		case s.EndDate != nil && *s.EndDate == 0:
			return kind, ledgererrors.Validation("schedule.endDate", "end date must be a positive timestamp when set")
		case s.EndDate != nil && *s.EndDate < s.StartDate:
			return kind, ledgererrors.Validation("schedule.endDate", "end date precedes start date")
		case s.PaymentsCompleted != 0:
			return kind, ledgererrors.Validation("schedule.paymentsCompleted", "new schedules start with no completed payments")
		}
		if s.NextPaymentDate == 0 {
			s.NextPaymentDate = s.StartDate
		}
	}
	if kind.Type != TxScheduledPayment && kind.Schedule != nil {
		return kind, ledgererrors.Validation("schedule", "only scheduled payments carry a schedule")
	}
	if kind.Type != TxEscrow && (len(kind.ReleaseConditions) > 0 || kind.AutoReleaseAfter != nil) {
		return kind, ledgererrors.Validation("releaseConditions", "only escrow transactions carry release conditions")
	}
	kind.OriginalTransactionID = nil
	kind.DisputeReason = ""
	kind.Evidence = nil
	return kind, nil
}

func sanitizeList(field string, items []string, maxItems, maxLen int) ([]string, error) {
	if len(items) > maxItems {
		return nil, ledgererrors.Validation(field, fmt.Sprintf("at most %d entries allowed", maxItems))
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		clean, err := common.SanitizeText(field, item, 1, maxLen)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}

// Create validates the request, locks amount+fee from the sender and stores a
// Pending transaction indexed under both participants.
func (e *Engine) Create(from string, req CreateRequest) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	now := e.now()
	req, err := e.validateRequest(from, req, now)
	if err != nil {
		return nil, err
	}
	fee := balance.Fee(req.Amount, e.params.FeeBps())
	total := req.Amount + fee
	if total < req.Amount {
		return nil, ledgererrors.Internal("amount plus fee overflows")
	}
	usage, err := e.quota.Check(from, uint64(now.Unix()), req.Amount)
	if err != nil {
		return nil, err
	}
	id, system, err := e.allocateID()
	if err != nil {
		return nil, err
	}

	changes := e.ledger.Begin()
	if err := changes.Lock(from, total, id); err != nil {
		return nil, err
	}
	if err := changes.AddPending(from, req.To, req.Amount); err != nil {
		return nil, err
	}

	ts := nanos(now)
	tx := &Transaction{
		ID:          id,
		Kind:        req.Kind,
		From:        from,
		To:          req.To,
		Amount:      req.Amount,
		Fee:         fee,
		Currency:    e.ledger.Currency(),
		Description: req.Description,
		Status:      pending(),
		EscrowAgent: req.EscrowAgent,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		Deadline:    cloneUint64(req.Deadline),
		Metadata: Metadata{
			InvoiceID: req.InvoiceID,
			OrderID:   req.OrderID,
			Category:  req.Category,
			Tags:      req.Tags,
		},
	}
	m := &mutation{changes: changes, created: []*Transaction{tx}, system: system}
	if e.quota != nil && e.quota.Quota().Enabled() {
		m.quotaOf, m.usage = from, usage
	}
	if err := e.commit(m); err != nil {
		return nil, err
	}

	e.emit(NewCreatedEvent(tx))
	e.notify(tx.To, NotifyTransactionCreated, fmt.Sprintf("New transaction from %s", from), id)
	e.audit(from, AuditTransactionCreated, id, fmt.Sprintf("Amount: %d, To: %s", tx.Amount, tx.To))
	return tx.Clone(), nil
}

// Approve moves a Pending transaction to Approved. When the engine is
// configured with RequireRecipientApproval only the recipient may approve.
func (e *Engine) Approve(id uint64, caller string) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(tx, StatusPending); err != nil {
		return nil, err
	}
	if e.cfg.RequireRecipientApproval && caller != tx.To {
		return nil, ledgererrors.Unauthorized("only the recipient can approve the transaction")
	}
	if caller == "" {
		return nil, ledgererrors.Unauthorized("caller identity required")
	}
	return e.advance(tx, entered(StatusApproved, nanos(e.now())), func(tx *Transaction) {
		e.emit(NewApprovedEvent(tx))
		e.notify(tx.From, NotifyTransactionApproved, fmt.Sprintf("Transaction %d approved", tx.ID), tx.ID)
		e.audit(caller, AuditTransactionApproved, tx.ID, "")
	})
}

// AcceptEscrowTerms lets the recipient accept a Pending transaction, moving it
// into escrow.
func (e *Engine) AcceptEscrowTerms(id uint64, caller string) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(tx, StatusPending); err != nil {
		return nil, err
	}
	if caller != tx.To {
		return nil, ledgererrors.Unauthorized("only the recipient can accept the escrow terms")
	}
	return e.advance(tx, entered(StatusInEscrow, nanos(e.now())), func(tx *Transaction) {
		e.emit(NewAcceptedEvent(tx))
		e.notify(tx.From, NotifyEscrowAccepted, fmt.Sprintf("Escrow terms accepted for transaction %d", tx.ID), tx.ID)
		e.audit(caller, AuditEscrowAccepted, tx.ID, "")
	})
}

// SubmitWork lets the recipient mark the escrowed work as delivered.
func (e *Engine) SubmitWork(id uint64, caller string) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(tx, StatusInEscrow); err != nil {
		return nil, err
	}
	if caller != tx.To {
		return nil, ledgererrors.Unauthorized("only the recipient can submit work for this escrow")
	}
	return e.advance(tx, entered(StatusSubmittedForReview, nanos(e.now())), func(tx *Transaction) {
		e.emit(NewSubmittedEvent(tx))
		e.notify(tx.From, NotifyWorkSubmitted, fmt.Sprintf("Work submitted for transaction %d", tx.ID), tx.ID)
		e.audit(caller, AuditWorkSubmitted, tx.ID, "")
	})
}

// advance persists a status-only transition and runs after once it commits.
func (e *Engine) advance(tx *Transaction, next Status, after func(*Transaction)) (*Transaction, error) {
	tx.Status = next
	tx.UpdatedAt = nanos(e.now())
	if err := e.commit(&mutation{updated: []*Transaction{tx}}); err != nil {
		return nil, err
	}
	if after != nil {
		after(tx)
	}
	return tx.Clone(), nil
}

// Complete releases the escrowed amount to the recipient. The fee stays
// locked against the sender until SettleFee sweeps it.
func (e *Engine) Complete(id uint64, caller string) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(tx, StatusSubmittedForReview); err != nil {
		return nil, err
	}
	if caller != tx.From {
		return nil, ledgererrors.Unauthorized("only the sender can release the funds for this escrow")
	}
	changes := e.ledger.Begin()
	if err := changes.TransferLocked(tx.From, tx.To, tx.Amount, tx.ID, fmt.Sprintf("Escrow release for transaction %d", tx.ID)); err != nil {
		return nil, err
	}
	if err := changes.ClearPending(tx.From, tx.To, tx.Amount); err != nil {
		return nil, err
	}
	ts := nanos(e.now())
	tx.Status = entered(StatusCompleted, ts)
	tx.UpdatedAt = ts
	tx.CompletedAt = &ts
	if err := e.commit(&mutation{changes: changes, updated: []*Transaction{tx}}); err != nil {
		return nil, err
	}
	e.emit(NewCompletedEvent(tx))
	e.notify(tx.To, NotifyTransactionCompleted, fmt.Sprintf("Funds released for transaction %d", tx.ID), tx.ID)
	e.audit(caller, AuditTransactionCompleted, tx.ID, fmt.Sprintf("Released %d to %s", tx.Amount, tx.To))
	return tx.Clone(), nil
}

// Cancel unlocks amount+fee back to the sender of a Pending or Approved
// transaction.
func (e *Engine) Cancel(id uint64, caller, reason string) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(tx, StatusPending, StatusApproved); err != nil {
		return nil, err
	}
	if caller != tx.From {
		return nil, ledgererrors.Unauthorized("only the sender can cancel the transaction")
	}
	reason, err = common.SanitizeText("reason", reason, 0, common.MaxTextLength)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by sender"
	}
	changes := e.ledger.Begin()
	if err := changes.Unlock(tx.From, tx.Locked(), tx.ID); err != nil {
		return nil, err
	}
	if err := changes.ClearPending(tx.From, tx.To, tx.Amount); err != nil {
		return nil, err
	}
	ts := nanos(e.now())
	tx.Status = cancelled(reason, caller, ts)
	tx.UpdatedAt = ts
	if err := e.commit(&mutation{changes: changes, updated: []*Transaction{tx}}); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(tx))
	e.notify(tx.To, NotifyTransactionCancelled, fmt.Sprintf("Transaction cancelled: %s", reason), tx.ID)
	e.audit(caller, AuditTransactionCancelled, tx.ID, reason)
	return tx.Clone(), nil
}

// Verify decodes every transaction and checks every index entry.
func (e *Engine) Verify() error {
	_, err := e.txs.Verify()
	return err
}
