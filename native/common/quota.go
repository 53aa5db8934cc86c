package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaCreatesExceeded = errors.New("quota creations exceeded")
	ErrQuotaVolumeExceeded  = errors.New("quota volume cap exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an account.
type QuotaNow struct {
	MinuteID uint64
	Creates  uint32
	EpochID  uint64
	Volume   uint64
}

// Quota defines the per-account limits on transaction creation. Zero values
// disable the corresponding limit.
type Quota struct {
	MaxCreatesPerMinute uint32
	MaxVolumePerEpoch   uint64
	EpochSeconds        uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxCreatesPerMinute > 0 || q.MaxVolumePerEpoch > 0
}

// Windows converts a unix second timestamp into the minute and epoch ids the
// counters are bucketed by.
func (q Quota) Windows(unixSeconds uint64) (minuteID, epochID uint64) {
	minuteID = unixSeconds / 60
	epoch := uint64(q.EpochSeconds)
	if epoch == 0 {
		epoch = 3600
	}
	return minuteID, unixSeconds / epoch
}

// CheckQuota verifies whether the additional creations and volume fit within
// the configured quota. The returned QuotaNow reflects the updated counters
// when the quota is not exceeded; on denial prev is returned unchanged.
func CheckQuota(q Quota, minuteID, epochID uint64, prev QuotaNow, addCreates uint32, addVolume uint64) (QuotaNow, error) {
	next := prev
	if prev.MinuteID != minuteID {
		next.MinuteID = minuteID
		next.Creates = 0
	}
	if prev.EpochID != epochID {
		next.EpochID = epochID
		next.Volume = 0
	}

	if addCreates > 0 {
		if next.Creates > math.MaxUint32-addCreates {
			return prev, ErrQuotaCounterOverflow
		}
		next.Creates += addCreates
	}
	if q.MaxCreatesPerMinute > 0 && next.Creates > q.MaxCreatesPerMinute {
		return prev, ErrQuotaCreatesExceeded
	}

	if addVolume > 0 {
		if next.Volume > math.MaxUint64-addVolume {
			return prev, ErrQuotaCounterOverflow
		}
		next.Volume += addVolume
	}
	if q.MaxVolumePerEpoch > 0 && next.Volume > q.MaxVolumePerEpoch {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}
