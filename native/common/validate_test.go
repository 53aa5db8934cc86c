package common

import (
	"errors"
	"testing"
	"time"

	ledgererrors "escrowledger/core/errors"
)

func TestValidateAmount(t *testing.T) {
	cases := []struct {
		name   string
		amount uint64
		ok     bool
	}{
		{"zero", 0, false},
		{"below min", 999, false},
		{"min", 1000, true},
		{"max", 1_000_000_000, true},
		{"above max", 1_000_000_001, false},
	}
	for _, tc := range cases {
		err := ValidateAmount(tc.amount, 1000, 1_000_000_000)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ledgererrors.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestSanitizeText(t *testing.T) {
	got, err := SanitizeText("description", "  web\x00 design\tjob \n", 1, MaxTextLength)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "web design\tjob" {
		t.Fatalf("unexpected sanitized text %q", got)
	}
	if _, err := SanitizeText("description", "   ", 1, MaxTextLength); err == nil {
		t.Fatalf("expected blank text to be rejected")
	}
	long := make([]byte, MaxTextLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := SanitizeText("description", string(long), 1, MaxTextLength); err == nil {
		t.Fatalf("expected long text to be rejected")
	}
}

func TestValidateDeadline(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := ValidateDeadline("deadline", now.Add(-time.Second), now); err == nil {
		t.Fatalf("expected past deadline to fail")
	}
	if err := ValidateDeadline("deadline", now.AddDate(11, 0, 0), now); err == nil {
		t.Fatalf("expected distant deadline to fail")
	}
	if err := ValidateDeadline("deadline", now.Add(48*time.Hour), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAccountAndCurrency(t *testing.T) {
	if err := ValidateAccount("to", ""); err == nil {
		t.Fatalf("expected empty account to fail")
	}
	if err := ValidateAccount("to", "a\x00b"); err == nil {
		t.Fatalf("expected NUL byte to fail")
	}
	if err := ValidateAccount("to", "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateCurrency("usd", "USD"); err != nil {
		t.Fatalf("expected case-insensitive match: %v", err)
	}
	if err := ValidateCurrency("EUR", "USD"); err == nil {
		t.Fatalf("expected currency mismatch")
	}
}

func TestGuard(t *testing.T) {
	if err := Guard(nil); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	if err := Guard(StaticPause{}); err != nil {
		t.Fatalf("unpaused view must not block: %v", err)
	}
	err := Guard(StaticPause{Paused: true, Reason: "maintenance"})
	if !errors.Is(err, ledgererrors.ErrSystemPaused) {
		t.Fatalf("expected system paused, got %v", err)
	}
	if typed, ok := ledgererrors.As(err); !ok || typed.Reason != "maintenance" || !typed.Retryable() {
		t.Fatalf("unexpected paused error %+v", typed)
	}
}

func TestValidatePagination(t *testing.T) {
	if err := ValidatePagination(0, MaxPageSize); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tc := range []struct{ offset, limit int }{{-1, 10}, {0, 0}, {0, MaxPageSize + 1}} {
		if err := ValidatePagination(tc.offset, tc.limit); !errors.Is(err, ledgererrors.ErrValidation) {
			t.Fatalf("offset=%d limit=%d: expected validation error, got %v", tc.offset, tc.limit, err)
		}
	}
}
