package escrow

import (
	"strconv"
	"strings"

	"escrowledger/core/types"
)

const (
	EventTypeEscrowCreated       = "escrow.created"
	EventTypeEscrowApproved      = "escrow.approved"
	EventTypeEscrowAccepted      = "escrow.accepted"
	EventTypeEscrowSubmitted     = "escrow.submitted"
	EventTypeEscrowCompleted     = "escrow.completed"
	EventTypeEscrowCancelled     = "escrow.cancelled"
	EventTypeEscrowReversed      = "escrow.reversed"
	EventTypeEscrowDisputed      = "escrow.disputed"
	EventTypeEscrowReviewStarted = "escrow.review_started"
	EventTypeEscrowResolved      = "escrow.resolved"
	EventTypeEscrowFeeSettled    = "escrow.fee_settled"
)

// Notification kinds delivered to the notification collaborator.
const (
	NotifyTransactionCreated   = "transaction_created"
	NotifyTransactionApproved  = "transaction_approved"
	NotifyEscrowAccepted       = "escrow_accepted"
	NotifyWorkSubmitted        = "work_submitted"
	NotifyTransactionCompleted = "transaction_completed"
	NotifyTransactionCancelled = "transaction_cancelled"
	NotifyTransactionReversed  = "transaction_reversed"
	NotifyDisputeOpened        = "dispute_opened"
	NotifyDisputeUnderReview   = "dispute_under_review"
	NotifyDisputeResolved      = "dispute_resolved"
)

// Audit actions recorded through the audit collaborator.
const (
	AuditTransactionCreated   = "transaction_created"
	AuditTransactionApproved  = "transaction_approved"
	AuditEscrowAccepted       = "escrow_accepted"
	AuditWorkSubmitted        = "work_submitted"
	AuditTransactionCompleted = "transaction_completed"
	AuditTransactionCancelled = "transaction_cancelled"
	AuditTransactionReversed  = "transaction_reversed"
	AuditDisputeOpened        = "dispute_opened"
	AuditReviewStarted        = "dispute_review_started"
	AuditDisputeResolved      = "dispute_resolved"
	AuditFeeSettled           = "fee_settled"
)

// NewCreatedEvent returns the canonical payload for a newly created transaction.
func NewCreatedEvent(tx *Transaction) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, tx) }

func NewApprovedEvent(tx *Transaction) *types.Event {
	return newEscrowEvent(EventTypeEscrowApproved, tx)
}

func NewAcceptedEvent(tx *Transaction) *types.Event {
	return newEscrowEvent(EventTypeEscrowAccepted, tx)
}

func NewSubmittedEvent(tx *Transaction) *types.Event {
	return newEscrowEvent(EventTypeEscrowSubmitted, tx)
}

// NewCompletedEvent is emitted when the escrowed amount reaches the recipient.
func NewCompletedEvent(tx *Transaction) *types.Event {
	return newEscrowEvent(EventTypeEscrowCompleted, tx)
}

func NewCancelledEvent(tx *Transaction) *types.Event {
	return newEscrowEvent(EventTypeEscrowCancelled, tx)
}

// NewReversedEvent carries the reversal transaction; originalId points at the
// completed transaction it undoes.
func NewReversedEvent(reversal *Transaction) *types.Event {
	return newEscrowEvent(EventTypeEscrowReversed, reversal)
}

func NewDisputedEvent(tx *Transaction) *types.Event {
	return newEscrowEvent(EventTypeEscrowDisputed, tx)
}

func NewReviewStartedEvent(tx *Transaction) *types.Event {
	return newEscrowEvent(EventTypeEscrowReviewStarted, tx)
}

// NewResolvedEvent includes the chosen resolution as "outcome".
func NewResolvedEvent(tx *Transaction) *types.Event {
	return newEscrowEvent(EventTypeEscrowResolved, tx)
}

func NewFeeSettledEvent(tx *Transaction, treasury string) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowFeeSettled, tx)
	evt.Attributes["treasury"] = treasury
	return evt
}

func newEscrowEvent(eventType string, tx *Transaction) *types.Event {
	attrs := make(map[string]string)
	if tx == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(tx.ID, 10)
	attrs["type"] = tx.Kind.Type.String()
	attrs["from"] = tx.From
	attrs["to"] = tx.To
	attrs["amount"] = strconv.FormatUint(tx.Amount, 10)
	attrs["fee"] = strconv.FormatUint(tx.Fee, 10)
	attrs["currency"] = tx.Currency
	attrs["status"] = tx.Status.Kind.String()
	if tx.EscrowAgent != "" {
		attrs["agent"] = tx.EscrowAgent
	}
	if tx.Status.Actor != "" {
		attrs["actor"] = tx.Status.Actor
	}
	if reason := strings.TrimSpace(tx.Status.Reason); reason != "" {
		attrs["reason"] = reason
	}
	if tx.Status.Kind == StatusResolved {
		attrs["outcome"] = tx.Status.Resolution.Kind.String()
		if tx.Status.Resolution.Kind == ResolutionSplit {
			attrs["senderPercentage"] = strconv.FormatUint(uint64(tx.Status.Resolution.SenderPercentage), 10)
		}
	}
	if tx.Kind.OriginalTransactionID != nil {
		attrs["originalId"] = strconv.FormatUint(*tx.Kind.OriginalTransactionID, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
