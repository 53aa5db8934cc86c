package common

import (
	"errors"
	"testing"

	ledgererrors "escrowledger/core/errors"
	"escrowledger/storage"
)

func TestCheckQuotaCreateLimit(t *testing.T) {
	q := Quota{MaxCreatesPerMinute: 10}
	prev := QuotaNow{MinuteID: 1}

	next, err := CheckQuota(q, 1, 0, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Creates != 10 {
		t.Fatalf("unexpected create count: %d", next.Creates)
	}

	denied, err := CheckQuota(q, 1, 0, next, 1, 0)
	if !errors.Is(err, ErrQuotaCreatesExceeded) {
		t.Fatalf("expected ErrQuotaCreatesExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, 0, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after minute rollover: %v", err)
	}
	if rollover.MinuteID != 2 || rollover.Creates != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaVolume(t *testing.T) {
	q := Quota{MaxVolumePerEpoch: 1000}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 0, 5, prev, 0, 600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := CheckQuota(q, 0, 5, next, 0, 401); !errors.Is(err, ErrQuotaVolumeExceeded) {
		t.Fatalf("expected ErrQuotaVolumeExceeded, got %v", err)
	}
	if after, err := CheckQuota(q, 0, 6, next, 0, 1000); err != nil || after.Volume != 1000 {
		t.Fatalf("expected epoch rollover to reset volume, got %+v err=%v", after, err)
	}
}

func TestCheckQuotaOverflow(t *testing.T) {
	prev := QuotaNow{Volume: ^uint64(0) - 1}
	if _, err := CheckQuota(Quota{}, 0, 0, prev, 0, 5); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestQuotaStorePersistsStagedUsage(t *testing.T) {
	mgr, err := storage.OpenRegions(storage.NewMemDB(), storage.LedgerRegions)
	if err != nil {
		t.Fatalf("open regions: %v", err)
	}
	defer mgr.Close()
	store := NewQuotaStore(mgr.MustRegion(storage.RegionRateLimits), Quota{MaxCreatesPerMinute: 1, EpochSeconds: 60})

	usage, err := store.Check("alice", 120, 50)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	batch := storage.NewBatch()
	if err := store.Stage(batch, "alice", usage); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := mgr.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = store.Check("alice", 150, 50)
	if ledgererrors.KindOf(err) != ledgererrors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := store.Check("alice", 180, 50); err != nil {
		t.Fatalf("expected next minute to pass: %v", err)
	}
	if _, err := store.Check("bob", 150, 50); err != nil {
		t.Fatalf("quota leaked across accounts: %v", err)
	}
}
