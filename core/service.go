package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/core/events"
	"escrowledger/native/balance"
	"escrowledger/native/common"
	"escrowledger/native/escrow"
	"escrowledger/native/params"
	"escrowledger/storage"
)

// MaxFeeBps is the upper bound on the transaction fee.
const MaxFeeBps = 10_000

// SystemActor is the audit actor for unattended maintenance.
const SystemActor = "system"

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Currency                 string
	FeeBps                   uint64
	MinAmount                uint64
	MaxAmount                uint64
	Treasury                 string
	RequireRecipientApproval bool
	Quota                    common.Quota

	Admins   AdminGate
	Notifier escrow.Notifier
	Auditor  escrow.Auditor
	Emitter  events.Emitter
	Metrics  OperationObserver
	Logger   *slog.Logger
	Now      func() time.Time
}

// OperationObserver receives the outcome of every service call. outcome is
// "ok" or the stable error code.
type OperationObserver interface {
	ObserveOperation(operation, outcome string)
	RecordThrottle(reason string)
}

// Stats is the administrative overview of the ledger.
type Stats struct {
	Balances     balance.Statistics `json:"balances"`
	Transactions escrow.Statistics  `json:"transactions"`
	System       params.SystemState `json:"system"`
}

// Service is the single entry point to the ledger. It owns the balance ledger
// and the escrow engine and serializes every operation, reads included, behind
// one mutex.
type Service struct {
	mu sync.Mutex

	regions *storage.RegionManager
	ledger  *balance.Ledger
	params  *params.Store
	engine  *escrow.Engine
	admins  AdminGate
	auditor escrow.Auditor
	metrics OperationObserver
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewService wires the ledger components over regions and verifies the stored
// data before accepting traffic.
func NewService(regions *storage.RegionManager, opts Options) (*Service, error) {
	if regions == nil {
		return nil, fmt.Errorf("core: regions required")
	}
	if opts.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("core: fee %d bps exceeds %d", opts.FeeBps, MaxFeeBps)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	admins := opts.Admins
	if admins == nil {
		admins = StaticAdmins{}
	}

	ledger, err := balance.NewLedger(regions, opts.Currency)
	if err != nil {
		return nil, fmt.Errorf("core: open balance ledger: %w", err)
	}
	ledger.SetNowFunc(now)
	store, err := params.Open(regions.MustRegion(storage.RegionConfiguration), opts.FeeBps)
	if err != nil {
		return nil, fmt.Errorf("core: open system state: %w", err)
	}
	if store.FeeBps() != opts.FeeBps {
		logger.Info("persisted fee overrides configured fee",
			slog.Uint64("persisted_bps", store.FeeBps()),
			slog.Uint64("configured_bps", opts.FeeBps))
	}
	engine, err := escrow.NewEngine(regions, ledger, store, escrow.Config{
		MinAmount:                opts.MinAmount,
		MaxAmount:                opts.MaxAmount,
		Treasury:                 opts.Treasury,
		RequireRecipientApproval: opts.RequireRecipientApproval,
	})
	if err != nil {
		return nil, fmt.Errorf("core: open escrow engine: %w", err)
	}
	engine.SetNowFunc(now)
	engine.SetAdminGate(admins)
	engine.SetNotifier(opts.Notifier)
	engine.SetAuditor(opts.Auditor)
	if opts.Quota.Enabled() {
		engine.SetQuota(common.NewQuotaStore(regions.MustRegion(storage.RegionRateLimits), opts.Quota))
	}
	if opts.Emitter != nil {
		ledger.SetEmitter(opts.Emitter)
		engine.SetEmitter(opts.Emitter)
	}

	if err := ledger.Verify(); err != nil {
		return nil, fmt.Errorf("core: verify balances: %w", err)
	}
	if err := engine.Verify(); err != nil {
		return nil, fmt.Errorf("core: verify transactions: %w", err)
	}
	if err := ledger.Reconcile(); err != nil {
		return nil, fmt.Errorf("core: reconcile balances: %w", err)
	}

	logger.Info("ledger service ready",
		slog.String("currency", ledger.Currency()),
		slog.Uint64("fee_bps", store.FeeBps()),
		slog.Uint64("next_transaction_id", store.NextTransactionID()),
		slog.Bool("paused", store.PauseState().Paused))

	return &Service{
		regions: regions,
		ledger:  ledger,
		params:  store,
		engine:  engine,
		admins:  admins,
		auditor: opts.Auditor,
		metrics: opts.Metrics,
		logger:  logger,
		nowFn:   now,
	}, nil
}

// Close releases the underlying database.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regions.Close()
}

// Currency returns the ledger currency.
func (s *Service) Currency() string { return s.ledger.Currency() }

// IsAdmin reports whether account holds administrative rights.
func (s *Service) IsAdmin(account string) bool {
	return account != "" && s.admins.IsAdmin(account)
}

func (s *Service) requireAdmin(caller string) error {
	if !s.IsAdmin(caller) {
		return ledgererrors.Unauthorized("admin privileges required")
	}
	return nil
}

// observe logs internal failures and feeds the metrics observer; the typed
// error is returned unchanged.
func (s *Service) observe(op string, err error) error {
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = ledgererrors.KindOf(err).Code()
			if typed, ok := ledgererrors.As(err); ok && typed.Field == "quota" {
				s.metrics.RecordThrottle("quota")
			}
		}
		s.metrics.ObserveOperation(op, outcome)
	}
	if err == nil {
		return nil
	}
	if ledgererrors.KindOf(err) == ledgererrors.KindInternal {
		s.logger.Error("ledger operation failed", slog.String("op", op), slog.Any("error", err))
	} else {
		s.logger.Debug("ledger operation rejected", slog.String("op", op), slog.String("code", ledgererrors.KindOf(err).Code()))
	}
	return err
}

func (s *Service) audit(actor, action, resource, detail string) {
	if s.auditor != nil {
		s.auditor.Log(actor, action, resource, detail)
	}
}

// Balance returns the caller's balance. Unknown accounts read as zero.
func (s *Service) Balance(account string) (*balance.Balance, error) {
	if err := common.ValidateAccount("account", account); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, err := s.ledger.GetOrCreate(account)
	return bal, s.observe("balance", err)
}

// History returns the account's balance history between start and end
// (unix nanoseconds, end 0 = open), oldest first.
func (s *Service) History(account string, start, end uint64, offset, limit int) ([]balance.HistoryEntry, error) {
	if err := common.ValidateAccount("account", account); err != nil {
		return nil, err
	}
	if err := common.ValidatePagination(offset, limit); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.ledger.History(account, start, end, offset, limit)
	return entries, s.observe("history", err)
}

// Deposit credits funds arriving from the external funding source.
func (s *Service) Deposit(account string, amount uint64, reference string) (*balance.Balance, error) {
	if err := common.ValidateAccount("account", account); err != nil {
		return nil, err
	}
	if err := common.ValidateAmount(amount, 0, 0); err != nil {
		return nil, err
	}
	reference, err := common.SanitizeText("reference", reference, 0, common.MaxTextLength)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := common.Guard(s.params); err != nil {
		return nil, err
	}
	bal, err := s.ledger.Credit(account, amount, describe("Deposit", reference))
	if err != nil {
		return nil, s.observe("deposit", err)
	}
	s.audit(account, "deposit", "balance_"+account, fmt.Sprintf("Amount: %d", amount))
	return bal, s.observe("deposit", nil)
}

// Withdraw debits funds leaving to the external funding source.
func (s *Service) Withdraw(account string, amount uint64, reference string) (*balance.Balance, error) {
	if err := common.ValidateAccount("account", account); err != nil {
		return nil, err
	}
	if err := common.ValidateAmount(amount, 0, 0); err != nil {
		return nil, err
	}
	reference, err := common.SanitizeText("reference", reference, 0, common.MaxTextLength)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := common.Guard(s.params); err != nil {
		return nil, err
	}
	bal, err := s.ledger.Debit(account, amount, describe("Withdrawal", reference))
	if err != nil {
		return nil, s.observe("withdraw", err)
	}
	s.audit(account, "withdrawal", "balance_"+account, fmt.Sprintf("Amount: %d", amount))
	return bal, s.observe("withdraw", nil)
}

func describe(kind, reference string) string {
	if reference == "" {
		return kind
	}
	return kind + ": " + reference
}

// CreateTransaction opens a new transaction from the caller.
func (s *Service) CreateTransaction(from string, req escrow.CreateRequest) (*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.Create(from, req)
	return tx, s.observe("create", err)
}

// Transition names accepted by Transition.
const (
	ActionApprove  = "approve"
	ActionAccept   = "accept"
	ActionSubmit   = "submit"
	ActionComplete = "complete"
)

// Transition runs one of the party-driven, argument-free transitions.
func (s *Service) Transition(action string, id uint64, caller string) (*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		tx  *escrow.Transaction
		err error
	)
	switch action {
	case ActionApprove:
		tx, err = s.engine.Approve(id, caller)
	case ActionAccept:
		tx, err = s.engine.AcceptEscrowTerms(id, caller)
	case ActionSubmit:
		tx, err = s.engine.SubmitWork(id, caller)
	case ActionComplete:
		tx, err = s.engine.Complete(id, caller)
	default:
		return nil, ledgererrors.Validation("action", fmt.Sprintf("unknown action %q", action))
	}
	return tx, s.observe(action, err)
}

func (s *Service) Approve(id uint64, caller string) (*escrow.Transaction, error) {
	return s.Transition(ActionApprove, id, caller)
}

func (s *Service) AcceptEscrowTerms(id uint64, caller string) (*escrow.Transaction, error) {
	return s.Transition(ActionAccept, id, caller)
}

func (s *Service) SubmitWork(id uint64, caller string) (*escrow.Transaction, error) {
	return s.Transition(ActionSubmit, id, caller)
}

func (s *Service) Complete(id uint64, caller string) (*escrow.Transaction, error) {
	return s.Transition(ActionComplete, id, caller)
}

func (s *Service) Cancel(id uint64, caller, reason string) (*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.Cancel(id, caller, reason)
	return tx, s.observe("cancel", err)
}

func (s *Service) Dispute(id uint64, caller, reason string, evidence []string) (*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.Dispute(id, caller, reason, evidence)
	return tx, s.observe("dispute", err)
}

func (s *Service) BeginReview(id uint64, caller string) (*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.BeginReview(id, caller)
	return tx, s.observe("review", err)
}

func (s *Service) Resolve(id uint64, caller string, resolution escrow.Resolution) (*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.Resolve(id, caller, resolution)
	return tx, s.observe("resolve", err)
}

func (s *Service) Reverse(id uint64, caller, reason string) (*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.Reverse(id, caller, reason)
	return tx, s.observe("reverse", err)
}

func (s *Service) SettleFee(id uint64, caller string) (*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.SettleFee(id, caller)
	return tx, s.observe("settle_fee", err)
}

// Transaction returns a transaction visible to requester.
func (s *Service) Transaction(id uint64, requester string) (*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.GetFor(id, requester)
	return tx, s.observe("get", err)
}

// Transactions lists the account's transactions newest first.
func (s *Service) Transactions(account string, filter *escrow.Filter, offset, limit int) ([]*escrow.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txs, err := s.engine.ListForAccount(account, filter, offset, limit)
	return txs, s.observe("list", err)
}

// SystemState returns the persisted system parameters.
func (s *Service) SystemState() params.SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.State()
}

// Pause blocks every mutation until Resume.
func (s *Service) Pause(caller, reason string) (params.SystemState, error) {
	if err := s.requireAdmin(caller); err != nil {
		return params.SystemState{}, err
	}
	reason, err := common.SanitizeText("reason", reason, 1, common.MaxTextLength)
	if err != nil {
		return params.SystemState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params.PauseState().Paused {
		return s.params.State(), ledgererrors.SystemPaused(s.params.PauseState().Reason)
	}
	ts := uint64(s.nowFn().UnixNano())
	state, err := s.params.Update(func(st *params.SystemState) {
		st.Pause = common.PauseState{Paused: true, Reason: reason, Actor: caller, Since: ts}
		st.UpdatedAt = ts
	})
	if err != nil {
		return state, s.observe("pause", ledgererrors.Internalf(err, "persist pause"))
	}
	s.logger.Warn("ledger paused", slog.String("actor", caller), slog.String("reason", reason))
	s.audit(caller, "system_paused", "system", reason)
	return state, nil
}

// Resume lifts a pause. Resuming a running system is a no-op.
func (s *Service) Resume(caller string) (params.SystemState, error) {
	if err := s.requireAdmin(caller); err != nil {
		return params.SystemState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.params.PauseState().Paused {
		return s.params.State(), nil
	}
	ts := uint64(s.nowFn().UnixNano())
	state, err := s.params.Update(func(st *params.SystemState) {
		st.Pause = common.PauseState{}
		st.UpdatedAt = ts
	})
	if err != nil {
		return state, s.observe("resume", ledgererrors.Internalf(err, "persist resume"))
	}
	s.logger.Info("ledger resumed", slog.String("actor", caller))
	s.audit(caller, "system_resumed", "system", "")
	return state, nil
}

// SetFeeBps changes the fee applied to transactions created afterwards.
func (s *Service) SetFeeBps(caller string, bps uint64) (params.SystemState, error) {
	if err := s.requireAdmin(caller); err != nil {
		return params.SystemState{}, err
	}
	if bps > MaxFeeBps {
		return params.SystemState{}, ledgererrors.Validation("feeBps", fmt.Sprintf("fee cannot exceed %d basis points", MaxFeeBps))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := common.Guard(s.params); err != nil {
		return s.params.State(), err
	}
	previous := s.params.FeeBps()
	ts := uint64(s.nowFn().UnixNano())
	state, err := s.params.Update(func(st *params.SystemState) {
		st.FeeBps = bps
		st.UpdatedAt = ts
	})
	if err != nil {
		return state, s.observe("set_fee", ledgererrors.Internalf(err, "persist fee"))
	}
	s.audit(caller, "fee_updated", "system", fmt.Sprintf("%d -> %d bps", previous, bps))
	return state, nil
}

// Stats returns balance and transaction aggregates.
func (s *Service) Stats(caller string) (Stats, error) {
	if err := s.requireAdmin(caller); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	balances, err := s.ledger.Statistics()
	if err != nil {
		return Stats{}, s.observe("stats", err)
	}
	txs, err := s.engine.Statistics()
	if err != nil {
		return Stats{}, s.observe("stats", err)
	}
	return Stats{Balances: balances, Transactions: txs, System: s.params.State()}, nil
}

// PruneHistory drops balance history older than before (unix nanoseconds).
func (s *Service) PruneHistory(caller string, before uint64) (int, error) {
	if err := s.requireAdmin(caller); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := common.Guard(s.params); err != nil {
		return 0, err
	}
	removed, err := s.ledger.PruneHistory(before)
	if err != nil {
		return 0, s.observe("prune_history", err)
	}
	s.logger.Info("balance history pruned", slog.Int("removed", removed), slog.Uint64("before", before))
	s.audit(caller, "history_pruned", "balance_history", fmt.Sprintf("Removed %d entries", removed))
	return removed, nil
}

// RetainHistory is the unattended variant of PruneHistory used by the
// retention job. It is audited under the system actor.
func (s *Service) RetainHistory(before uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params.PauseState().Paused {
		return 0, nil
	}
	removed, err := s.ledger.PruneHistory(before)
	if err != nil {
		return 0, s.observe("retain_history", err)
	}
	if removed > 0 {
		s.audit(SystemActor, "history_pruned", "balance_history", fmt.Sprintf("Removed %d entries", removed))
	}
	return removed, nil
}

// Reconcile re-checks every balance against its history.
func (s *Service) Reconcile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observe("reconcile", s.ledger.Reconcile())
}
