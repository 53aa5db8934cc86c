package common

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/storage"
)

const (
	// MaxTextLength bounds descriptions, reasons and notes.
	MaxTextLength = 500
	// MaxAccountLength bounds account identifiers.
	MaxAccountLength = 128

	maxDeadlineHorizon = 10 * 365 * 24 * time.Hour
)

// ValidateAmount rejects zero and amounts outside [min, max]. A zero bound
// disables that side of the check.
func ValidateAmount(amount, min, max uint64) error {
	if amount == 0 {
		return ledgererrors.Validation("amount", "amount must be greater than zero")
	}
	if min > 0 && amount < min {
		return ledgererrors.Validation("amount", fmt.Sprintf("amount must be at least %d", min))
	}
	if max > 0 && amount > max {
		return ledgererrors.Validation("amount", fmt.Sprintf("amount cannot exceed %d", max))
	}
	return nil
}

// ValidateAccount checks an account identifier supplied by the identity layer.
func ValidateAccount(field, account string) error {
	switch {
	case strings.TrimSpace(account) == "":
		return ledgererrors.Validation(field, "account is required")
	case len(account) > MaxAccountLength:
		return ledgererrors.Validation(field, fmt.Sprintf("account cannot exceed %d bytes", MaxAccountLength))
	case !storage.ValidAccountKey(account):
		return ledgererrors.Validation(field, "account contains invalid characters")
	}
	return nil
}

// SanitizeText trims text, enforces the [min, max] length and strips control
// characters other than whitespace.
func SanitizeText(field, text string, min, max int) (string, error) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < min {
		return "", ledgererrors.Validation(field, fmt.Sprintf("%s must be at least %d characters", field, min))
	}
	if len(trimmed) > max {
		return "", ledgererrors.Validation(field, fmt.Sprintf("%s cannot exceed %d characters", field, max))
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, trimmed), nil
}

// ValidateDeadline requires deadlines to lie in the future and no more than
// ten years ahead of now.
func ValidateDeadline(field string, deadline, now time.Time) error {
	if !deadline.After(now) {
		return ledgererrors.Validation(field, "deadline must be in the future")
	}
	if deadline.Sub(now) > maxDeadlineHorizon {
		return ledgererrors.Validation(field, "deadline too far in the future")
	}
	return nil
}

// ValidateCurrency requires the ledger currency.
func ValidateCurrency(currency, ledgerCurrency string) error {
	if currency == "" || strings.EqualFold(currency, ledgerCurrency) {
		return nil
	}
	return ledgererrors.Validation("currency", fmt.Sprintf("unsupported currency %q, ledger settles in %s", currency, ledgerCurrency))
}

// MaxPageSize bounds list queries.
const MaxPageSize = 100

// ValidatePagination requires a non-negative offset and a limit in
// [1, MaxPageSize].
func ValidatePagination(offset, limit int) error {
	if offset < 0 {
		return ledgererrors.Validation("offset", "offset cannot be negative")
	}
	if limit < 1 || limit > MaxPageSize {
		return ledgererrors.Validation("limit", fmt.Sprintf("limit must be between 1 and %d", MaxPageSize))
	}
	return nil
}
