package escrow

import (
	"fmt"

	"github.com/holiman/uint256"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/native/common"
	"escrowledger/storage"
)

// Dispute freezes an escrow that is in progress. Either party may raise it;
// evidence is kept as notes authored by the disputer.
func (e *Engine) Dispute(id uint64, caller, reason string, evidence []string) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(tx, StatusInEscrow, StatusSubmittedForReview); err != nil {
		return nil, err
	}
	if caller == "" || (caller != tx.From && caller != tx.To) {
		return nil, ledgererrors.Unauthorized("only the transaction parties can open a dispute")
	}
	reason, err = common.SanitizeText("reason", reason, 1, common.MaxTextLength)
	if err != nil {
		return nil, err
	}
	evidence, err = sanitizeList("evidence", evidence, maxEvidence, common.MaxTextLength)
	if err != nil {
		return nil, err
	}
	ts := nanos(e.now())
	for _, item := range evidence {
		tx.Metadata.Notes = append(tx.Metadata.Notes, Note{Author: caller, Content: item, CreatedAt: ts})
	}
	counterparty := tx.To
	if caller == tx.To {
		counterparty = tx.From
	}
	return e.advance(tx, disputed(reason, caller, ts), func(tx *Transaction) {
		e.emit(NewDisputedEvent(tx))
		e.notify(counterparty, NotifyDisputeOpened, fmt.Sprintf("Dispute opened on transaction %d: %s", tx.ID, reason), tx.ID)
		if tx.EscrowAgent != "" {
			e.notify(tx.EscrowAgent, NotifyDisputeOpened, fmt.Sprintf("Dispute opened on transaction %d", tx.ID), tx.ID)
		}
		e.audit(caller, AuditDisputeOpened, tx.ID, reason)
	})
}

func (e *Engine) canArbitrate(tx *Transaction, caller string) bool {
	if e.isAdmin(caller) {
		return true
	}
	return caller != "" && caller == tx.EscrowAgent
}

// BeginReview marks a dispute as taken up by an arbitrator.
func (e *Engine) BeginReview(id uint64, caller string) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(tx, StatusDisputed); err != nil {
		return nil, err
	}
	if !e.canArbitrate(tx, caller) {
		return nil, ledgererrors.Unauthorized("only an admin or the escrow agent can review a dispute")
	}
	return e.advance(tx, underReview(caller, nanos(e.now())), func(tx *Transaction) {
		e.emit(NewReviewStartedEvent(tx))
		msg := fmt.Sprintf("Dispute on transaction %d is under review", tx.ID)
		e.notify(tx.From, NotifyDisputeUnderReview, msg, tx.ID)
		e.notify(tx.To, NotifyDisputeUnderReview, msg, tx.ID)
		e.audit(caller, AuditReviewStarted, tx.ID, "")
	})
}

// splitShares divides amount so that sender receives pct percent rounded
// down and the recipient the remainder.
func splitShares(amount uint64, pct uint8) (sender, recipient uint64) {
	share := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(pct)))
	share.Div(share, uint256.NewInt(100))
	sender = share.Uint64()
	return sender, amount - sender
}

// Resolve settles a dispute. Release and split leave the fee locked for
// SettleFee; a refund returns amount and fee to the sender.
func (e *Engine) Resolve(id uint64, caller string, resolution Resolution) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(tx, StatusDisputed, StatusUnderReview); err != nil {
		return nil, err
	}
	if !e.canArbitrate(tx, caller) {
		return nil, ledgererrors.Unauthorized("only an admin or the escrow agent can resolve a dispute")
	}
	if resolution.Kind > ResolutionSplit {
		return nil, ledgererrors.Validation("resolution", "unknown resolution")
	}
	if resolution.Kind != ResolutionSplit {
		resolution.SenderPercentage = 0
	} else if resolution.SenderPercentage > 100 {
		return nil, ledgererrors.Validation("senderPercentage", "percentage cannot exceed 100")
	}

	changes := e.ledger.Begin()
	desc := fmt.Sprintf("Dispute resolution for transaction %d", tx.ID)
	switch resolution.Kind {
	case ResolutionReleaseToRecipient:
		err = changes.TransferLocked(tx.From, tx.To, tx.Amount, tx.ID, desc)
	case ResolutionRefundToSender:
		err = changes.Unlock(tx.From, tx.Locked(), tx.ID)
	case ResolutionSplit:
		senderShare, recipientShare := splitShares(tx.Amount, resolution.SenderPercentage)
		if recipientShare > 0 {
			err = changes.TransferLocked(tx.From, tx.To, recipientShare, tx.ID, desc)
		}
		if err == nil && senderShare > 0 {
			err = changes.Unlock(tx.From, senderShare, tx.ID)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := changes.ClearPending(tx.From, tx.To, tx.Amount); err != nil {
		return nil, err
	}
	ts := nanos(e.now())
	tx.Status = resolved(resolution, caller, ts)
	tx.UpdatedAt = ts
	tx.CompletedAt = &ts
	if err := e.commit(&mutation{changes: changes, updated: []*Transaction{tx}}); err != nil {
		return nil, err
	}
	e.emit(NewResolvedEvent(tx))
	msg := fmt.Sprintf("Dispute on transaction %d resolved: %s", tx.ID, resolution.Kind)
	e.notify(tx.From, NotifyDisputeResolved, msg, tx.ID)
	e.notify(tx.To, NotifyDisputeResolved, msg, tx.ID)
	e.audit(caller, AuditDisputeResolved, tx.ID, resolution.Kind.String())
	return tx.Clone(), nil
}

// SettleFee sweeps the fee still locked against the sender of a finished
// transaction into the treasury account.
func (e *Engine) SettleFee(id uint64, caller string) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	if !e.isAdmin(caller) {
		return nil, ledgererrors.Unauthorized("admin privileges required")
	}
	tx, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(tx, StatusCompleted, StatusResolved); err != nil {
		return nil, err
	}
	if tx.Status.Kind == StatusResolved && tx.Status.Resolution.Kind == ResolutionRefundToSender {
		return nil, ledgererrors.Validation("fee", "fee was refunded to the sender")
	}
	if tx.Fee == 0 {
		return nil, ledgererrors.Validation("fee", "transaction carries no fee")
	}
	if tx.FeeSettledAt != nil {
		return nil, ledgererrors.AlreadyExists(fmt.Sprintf("fee settlement for %s", resourceRef(tx.ID)))
	}
	treasury := e.cfg.Treasury
	if treasury == "" {
		return nil, ledgererrors.Validation("treasury", "no treasury account configured")
	}
	if treasury == tx.From {
		return nil, ledgererrors.Validation("treasury", "treasury cannot settle its own fee")
	}

	changes := e.ledger.Begin()
	if err := changes.TransferLocked(tx.From, treasury, tx.Fee, tx.ID, fmt.Sprintf("Fee for transaction %d", tx.ID)); err != nil {
		return nil, err
	}
	ts := nanos(e.now())
	tx.FeeSettledAt = &ts
	tx.UpdatedAt = ts
	if err := e.commit(&mutation{changes: changes, updated: []*Transaction{tx}}); err != nil {
		return nil, err
	}
	e.emit(NewFeeSettledEvent(tx, treasury))
	e.audit(caller, AuditFeeSettled, tx.ID, fmt.Sprintf("Fee %d to %s", tx.Fee, treasury))
	return tx.Clone(), nil
}

// Reverse undoes a completed transaction with a new Reversal transaction that
// moves the amount from the original recipient back to the original sender.
// The original record is left as it is; at most one reversal may exist.
func (e *Engine) Reverse(id uint64, caller, reason string) (*Transaction, error) {
	if err := common.Guard(e.params); err != nil {
		return nil, err
	}
	if !e.isAdmin(caller) {
		return nil, ledgererrors.Unauthorized("admin privileges required")
	}
	original, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if err := requireState(original, StatusCompleted); err != nil {
		return nil, err
	}
	if original.Kind.Type == TxReversal {
		return nil, ledgererrors.Validation("id", "reversal transactions cannot be reversed")
	}
	reason, err = common.SanitizeText("reason", reason, 0, common.MaxTextLength)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = fmt.Sprintf("Reversal of transaction %d", original.ID)
	}
	existing, err := e.findReversal(original)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ledgererrors.AlreadyExists(fmt.Sprintf("reversal of %s", resourceRef(original.ID)))
	}

	revID, system, err := e.allocateID()
	if err != nil {
		return nil, err
	}
	changes := e.ledger.Begin()
	if err := changes.Lock(original.To, original.Amount, revID); err != nil {
		return nil, err
	}
	if err := changes.TransferLocked(original.To, original.From, original.Amount, revID, reason); err != nil {
		return nil, err
	}
	ts := nanos(e.now())
	origID := original.ID
	reversal := &Transaction{
		ID:          revID,
		Kind:        Kind{Type: TxReversal, OriginalTransactionID: &origID},
		From:        original.To,
		To:          original.From,
		Amount:      original.Amount,
		Currency:    original.Currency,
		Description: reason,
		Status:      Status{Kind: StatusCompleted, Actor: caller, At: ts},
		CreatedAt:   ts,
		UpdatedAt:   ts,
		CompletedAt: &ts,
	}
	if err := e.commit(&mutation{changes: changes, created: []*Transaction{reversal}, system: system}); err != nil {
		return nil, err
	}
	e.emit(NewReversedEvent(reversal))
	msg := fmt.Sprintf("Transaction %d was reversed", original.ID)
	e.notify(original.From, NotifyTransactionReversed, msg, original.ID)
	e.notify(original.To, NotifyTransactionReversed, msg, original.ID)
	e.audit(caller, AuditTransactionReversed, original.ID, fmt.Sprintf("Reversal transaction %d: %s", revID, reason))
	return reversal.Clone(), nil
}

// findReversal scans the original recipient's index, where any reversal of
// original is also indexed as sender.
func (e *Engine) findReversal(original *Transaction) (*Transaction, error) {
	matches, err := e.txs.LookupIndex(storage.AccountPrefix(original.To), true, func(tx Transaction) bool {
		return tx.Kind.Type == TxReversal && tx.Kind.OriginalTransactionID != nil && *tx.Kind.OriginalTransactionID == original.ID
	}, 0, 1)
	if err != nil {
		return nil, ledgererrors.Internalf(err, "scan reversals of transaction %d", original.ID)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}
