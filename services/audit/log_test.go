package audit

import (
	"errors"
	"testing"
	"time"

	"escrowledger/storage"
)

func openTestLog(t *testing.T) (*Log, *storage.RegionManager) {
	t.Helper()
	regions, err := storage.OpenRegions(storage.NewMemDB(), storage.LedgerRegions)
	if err != nil {
		t.Fatalf("open regions: %v", err)
	}
	t.Cleanup(func() { _ = regions.Close() })
	log, err := Open(regions, nil)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	return log, regions
}

func TestLogAppendsSequentialChain(t *testing.T) {
	log, regions := openTestLog(t)
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	log.SetNowFunc(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	for i, action := range []string{"transaction_created", "escrow_accepted", "transaction_completed"} {
		if id := log.Log("alice", action, "transaction_1", ""); id != uint64(i+1) {
			t.Fatalf("expected id %d, got %d", i+1, id)
		}
	}
	checked, err := log.VerifyChain()
	if err != nil || checked != 3 {
		t.Fatalf("verify chain: checked=%d err=%v", checked, err)
	}

	recent, err := log.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Action != "transaction_completed" || recent[1].ID != 2 {
		t.Fatalf("unexpected recent records %+v", recent)
	}
	if recent[0].PrevHash != recent[1].Hash {
		t.Fatalf("records are not linked")
	}

	reopened, err := Open(regions, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if id := reopened.Log("admin", "fee_updated", "system", "100 -> 200 bps"); id != 4 {
		t.Fatalf("expected id 4 after reopen, got %d", id)
	}
	if checked, err := reopened.VerifyChain(); err != nil || checked != 4 {
		t.Fatalf("verify after reopen: checked=%d err=%v", checked, err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	log, _ := openTestLog(t)
	log.Log("alice", "deposit", "balance_alice", "Amount: 100")
	log.Log("alice", "withdrawal", "balance_alice", "Amount: 40")

	rec, _, err := log.records.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec.Detail = "Amount: 1000000"
	if _, _, err := log.records.Insert(1, rec); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := log.VerifyChain(); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected broken chain, got %v", err)
	}
}

func TestCleanupBeforeKeepsChainVerifiable(t *testing.T) {
	log, _ := openTestLog(t)
	base := time.Unix(1_700_000_000, 0)
	current := base
	log.SetNowFunc(func() time.Time { return current })
	for i := 0; i < 4; i++ {
		current = base.Add(time.Duration(i) * time.Hour)
		log.Log("admin", "history_pruned", "balance_history", "")
	}

	removed, err := log.CleanupBefore(uint64(base.Add(2 * time.Hour).UnixNano()))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if checked, err := log.VerifyChain(); err != nil || checked != 2 {
		t.Fatalf("verify after cleanup: checked=%d err=%v", checked, err)
	}
}

func TestCleanupEverythingKeepsSequenceAcrossReopen(t *testing.T) {
	log, regions := openTestLog(t)
	base := time.Unix(1_700_000_000, 0)
	log.SetNowFunc(func() time.Time { return base })
	log.Log("alice", "transaction_created", "transaction_1", "")
	last := log.Log("bob", "escrow_accepted", "transaction_1", "")

	removed, err := log.CleanupBefore(^uint64(0))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected the newest record to survive, removed %d", removed)
	}

	reopened, err := Open(regions, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.SetNowFunc(func() time.Time { return base.Add(time.Minute) })
	if id := reopened.Log("admin", "system_paused", "system", ""); id != last+1 {
		t.Fatalf("expected id %d after cleanup and reopen, got %d", last+1, id)
	}
	if checked, err := reopened.VerifyChain(); err != nil || checked != 2 {
		t.Fatalf("chain must stay linked: checked=%d err=%v", checked, err)
	}
}
