package balance

import (
	"strconv"

	"escrowledger/core/types"
)

const (
	EventTypeCredited       = "balance.credited"
	EventTypeDebited        = "balance.debited"
	EventTypeLocked         = "balance.locked"
	EventTypeUnlocked       = "balance.unlocked"
	EventTypeTransferLocked = "balance.transfer_locked"
)

func newBalanceEvent(eventType, account string, amount uint64, txID *uint64) *types.Event {
	attrs := map[string]string{
		"account": account,
		"amount":  strconv.FormatUint(amount, 10),
	}
	if txID != nil {
		attrs["transactionId"] = strconv.FormatUint(*txID, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newTransferEvent(from, to string, amount, txID uint64) *types.Event {
	return &types.Event{Type: EventTypeTransferLocked, Attributes: map[string]string{
		"from":          from,
		"to":            to,
		"amount":        strconv.FormatUint(amount, 10),
		"transactionId": strconv.FormatUint(txID, 10),
	}}
}
