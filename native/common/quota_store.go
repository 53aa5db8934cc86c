package common

import (
	ledgererrors "escrowledger/core/errors"
	"escrowledger/storage"
)

// QuotaStore persists per-account quota counters in the rate_limits region.
type QuotaStore struct {
	quota Quota
	usage *storage.KeyedStore[string, QuotaNow]
}

func NewQuotaStore(region *storage.Region, quota Quota) *QuotaStore {
	return &QuotaStore{quota: quota, usage: storage.NewKeyedStore[string, QuotaNow](region, storage.StringKeys{})}
}

// Quota returns the configured limits.
func (s *QuotaStore) Quota() Quota { return s.quota }

// Check evaluates one creation of amount by account at unixSeconds without
// persisting anything. The returned counters are written with Stage once the
// guarded operation commits.
func (s *QuotaStore) Check(account string, unixSeconds, amount uint64) (QuotaNow, error) {
	if s == nil || !s.quota.Enabled() {
		return QuotaNow{}, nil
	}
	prev, _, err := s.usage.Get(account)
	if err != nil {
		return QuotaNow{}, ledgererrors.Internalf(err, "load quota for %s", account)
	}
	minuteID, epochID := s.quota.Windows(unixSeconds)
	next, err := CheckQuota(s.quota, minuteID, epochID, prev, 1, amount)
	if err != nil {
		return prev, ledgererrors.Validation("quota", err.Error())
	}
	return next, nil
}

// Stage records updated counters in batch. Disabled quotas stage nothing.
func (s *QuotaStore) Stage(batch *storage.Batch, account string, usage QuotaNow) error {
	if s == nil || !s.quota.Enabled() {
		return nil
	}
	return s.usage.Stage(batch, account, usage)
}

// Usage returns the stored counters for account.
func (s *QuotaStore) Usage(account string) (QuotaNow, error) {
	usage, _, err := s.usage.Get(account)
	return usage, err
}
