package storage

import (
	"errors"
	"fmt"
)

// ErrDuplicateTimestamp is returned by Add when the timestamp is taken.
var ErrDuplicateTimestamp = errors.New("storage: duplicate timestamp")

// TimeSeriesStore is a KeyedStore keyed by a uint64 timestamp.
type TimeSeriesStore[V any] struct {
	*KeyedStore[uint64, V]
}

func NewTimeSeriesStore[V any](region *Region) *TimeSeriesStore[V] {
	return &TimeSeriesStore[V]{KeyedStore: NewKeyedStore[uint64, V](region, Uint64Keys{})}
}

// Add appends v at ts. Series are append-only so an occupied timestamp is
// rejected instead of overwritten.
func (s *TimeSeriesStore[V]) Add(ts uint64, v V) error {
	exists, err := s.Contains(ts)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s/%d", ErrDuplicateTimestamp, s.region.Name(), ts)
	}
	_, _, err = s.Insert(ts, v)
	return err
}

// StageAdd records an append in batch. The caller guarantees ts is unused.
func (s *TimeSeriesStore[V]) StageAdd(batch *Batch, ts uint64, v V) error {
	return s.Stage(batch, ts, v)
}

// Range returns entries with start <= ts <= end in ascending order.
func (s *TimeSeriesStore[V]) Range(start, end uint64) ([]Entry[uint64, V], error) {
	if end < start {
		return nil, nil
	}
	var out []Entry[uint64, V]
	err := s.Scan(&start, func(ts uint64, v V) bool {
		if ts > end {
			return false
		}
		out = append(out, Entry[uint64, V]{Key: ts, Value: v})
		return true
	})
	return out, err
}

// Latest returns the newest entry, if any.
func (s *TimeSeriesStore[V]) Latest() (uint64, V, bool, error) {
	var (
		ts    uint64
		val   V
		found bool
	)
	err := s.ScanReverse(func(k uint64, v V) bool {
		ts, val, found = k, v, true
		return false
	})
	return ts, val, found, err
}

// CleanupBefore removes every entry strictly older than ts and returns the
// number removed. Removal is atomic.
func (s *TimeSeriesStore[V]) CleanupBefore(ts uint64) (int, error) {
	batch := NewBatch()
	var decodeErr error
	err := s.region.Iterate(nil, nil, func(k, _ []byte) bool {
		key, err := s.keys.DecodeKey(k)
		if err != nil {
			decodeErr = err
			return false
		}
		if key >= ts {
			return false
		}
		s.region.StageDelete(batch, k)
		return true
	})
	if err != nil {
		return 0, err
	}
	if decodeErr != nil {
		return 0, decodeErr
	}
	if err := s.region.Write(batch); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}
