package storage

import (
	"errors"
	"fmt"
)

// Entry is one key/value pair returned by store scans.
type Entry[K any, V any] struct {
	Key   K
	Value V
}

// KeyedStore is a sorted, persistent map over one region. Values are RLP
// encoded; keys are encoded by an order-preserving KeyCodec.
//
// KeyedStore is not safe for concurrent mutation; callers serialize writes.
type KeyedStore[K any, V any] struct {
	region *Region
	keys   KeyCodec[K]
}

// NewKeyedStore binds a store to region.
func NewKeyedStore[K any, V any](region *Region, keys KeyCodec[K]) *KeyedStore[K, V] {
	return &KeyedStore[K, V]{region: region, keys: keys}
}

// Region exposes the backing region, mainly so callers can share batches.
func (s *KeyedStore[K, V]) Region() *Region { return s.region }

// Insert writes v under k and returns the previous value when one existed.
func (s *KeyedStore[K, V]) Insert(k K, v V) (V, bool, error) {
	old, existed, err := s.Get(k)
	if err != nil {
		return old, false, err
	}
	enc, err := encodeValue(v)
	if err != nil {
		return old, existed, err
	}
	if err := s.region.Put(s.keys.EncodeKey(k), enc); err != nil {
		return old, existed, fmt.Errorf("storage: put %s: %w", s.region.Name(), err)
	}
	return old, existed, nil
}

// Get returns the value stored under k and whether it exists.
func (s *KeyedStore[K, V]) Get(k K) (V, bool, error) {
	var zero V
	raw, err := s.region.Get(s.keys.EncodeKey(k))
	if errors.Is(err, ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("storage: get %s: %w", s.region.Name(), err)
	}
	v, err := decodeValue[V](raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// GetOrError is Get that reports a missing key as ErrNotFound.
func (s *KeyedStore[K, V]) GetOrError(k K) (V, error) {
	v, ok, err := s.Get(k)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, fmt.Errorf("%w: %s/%v", ErrNotFound, s.region.Name(), k)
	}
	return v, nil
}

// Remove deletes k and returns the removed value when one existed.
func (s *KeyedStore[K, V]) Remove(k K) (V, bool, error) {
	old, existed, err := s.Get(k)
	if err != nil || !existed {
		return old, existed, err
	}
	if err := s.region.Delete(s.keys.EncodeKey(k)); err != nil {
		return old, true, fmt.Errorf("storage: delete %s: %w", s.region.Name(), err)
	}
	return old, true, nil
}

func (s *KeyedStore[K, V]) Contains(k K) (bool, error) {
	return s.region.Has(s.keys.EncodeKey(k))
}

// Len counts the records in the store.
func (s *KeyedStore[K, V]) Len() (int, error) {
	n := 0
	err := s.region.Iterate(nil, nil, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// Scan visits entries in key order starting at from (or the first key when
// from is nil) until fn returns false.
func (s *KeyedStore[K, V]) Scan(from *K, fn func(k K, v V) bool) error {
	var start []byte
	if from != nil {
		start = s.keys.EncodeKey(*from)
	}
	return s.scan(nil, start, false, fn)
}

// ScanReverse visits entries in descending key order.
func (s *KeyedStore[K, V]) ScanReverse(fn func(k K, v V) bool) error {
	return s.scan(nil, nil, true, fn)
}

// ScanPrefix visits entries whose encoded key starts with prefix.
func (s *KeyedStore[K, V]) ScanPrefix(prefix []byte, reverse bool, fn func(k K, v V) bool) error {
	return s.scan(prefix, nil, reverse, fn)
}

func (s *KeyedStore[K, V]) scan(prefix, start []byte, reverse bool, fn func(k K, v V) bool) error {
	var innerErr error
	visit := func(rk, rv []byte) bool {
		k, err := s.keys.DecodeKey(rk)
		if err != nil {
			innerErr = err
			return false
		}
		v, err := decodeValue[V](rv)
		if err != nil {
			innerErr = err
			return false
		}
		return fn(k, v)
	}
	var err error
	if reverse {
		err = s.region.IterateReverse(prefix, visit)
	} else {
		err = s.region.Iterate(prefix, start, visit)
	}
	if innerErr != nil {
		return innerErr
	}
	if err != nil {
		return fmt.Errorf("storage: iterate %s: %w", s.region.Name(), err)
	}
	return nil
}

// Entries returns every record in key order.
func (s *KeyedStore[K, V]) Entries() ([]Entry[K, V], error) {
	return s.Filter(nil)
}

func (s *KeyedStore[K, V]) Keys() ([]K, error) {
	var out []K
	err := s.Scan(nil, func(k K, _ V) bool {
		out = append(out, k)
		return true
	})
	return out, err
}

func (s *KeyedStore[K, V]) Values() ([]V, error) {
	var out []V
	err := s.Scan(nil, func(_ K, v V) bool {
		out = append(out, v)
		return true
	})
	return out, err
}

// Filter returns the records matching pred in key order. A nil predicate
// matches everything.
func (s *KeyedStore[K, V]) Filter(pred func(K, V) bool) ([]Entry[K, V], error) {
	var out []Entry[K, V]
	err := s.Scan(nil, func(k K, v V) bool {
		if pred == nil || pred(k, v) {
			out = append(out, Entry[K, V]{Key: k, Value: v})
		}
		return true
	})
	return out, err
}

// Paginate returns up to limit records after skipping offset of them.
func (s *KeyedStore[K, V]) Paginate(offset, limit int) ([]Entry[K, V], error) {
	if offset < 0 || limit <= 0 {
		return nil, nil
	}
	out := make([]Entry[K, V], 0, limit)
	skipped := 0
	err := s.Scan(nil, func(k K, v V) bool {
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, Entry[K, V]{Key: k, Value: v})
		return len(out) < limit
	})
	return out, err
}

// Update applies mutate to the value stored under k and persists the result.
// A missing key yields ErrNotFound; an error from mutate aborts the write.
func (s *KeyedStore[K, V]) Update(k K, mutate func(*V) error) (V, error) {
	v, err := s.GetOrError(k)
	if err != nil {
		return v, err
	}
	if err := mutate(&v); err != nil {
		return v, err
	}
	enc, err := encodeValue(v)
	if err != nil {
		return v, err
	}
	if err := s.region.Put(s.keys.EncodeKey(k), enc); err != nil {
		return v, fmt.Errorf("storage: put %s: %w", s.region.Name(), err)
	}
	return v, nil
}

// GetOrInsertWith returns the stored value for k, inserting create() first
// when the key is absent.
func (s *KeyedStore[K, V]) GetOrInsertWith(k K, create func() V) (V, error) {
	v, ok, err := s.Get(k)
	if err != nil || ok {
		return v, err
	}
	v = create()
	if _, _, err := s.Insert(k, v); err != nil {
		return v, err
	}
	return v, nil
}

// BatchInsert writes all entries atomically.
func (s *KeyedStore[K, V]) BatchInsert(entries []Entry[K, V]) error {
	batch := NewBatch()
	for _, e := range entries {
		if err := s.Stage(batch, e.Key, e.Value); err != nil {
			return err
		}
	}
	return s.region.Write(batch)
}

// BatchRemove deletes every present key atomically and reports how many were
// removed.
func (s *KeyedStore[K, V]) BatchRemove(keys []K) (int, error) {
	batch := NewBatch()
	for _, k := range keys {
		ok, err := s.Contains(k)
		if err != nil {
			return 0, err
		}
		if ok {
			s.StageRemove(batch, k)
		}
	}
	if err := s.region.Write(batch); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}

// Clear removes every record in the store.
func (s *KeyedStore[K, V]) Clear() (int, error) {
	batch := NewBatch()
	err := s.region.Iterate(nil, nil, func(k, _ []byte) bool {
		s.region.StageDelete(batch, k)
		return true
	})
	if err != nil {
		return 0, err
	}
	if err := s.region.Write(batch); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}

// Stage encodes v into batch under k without writing it.
func (s *KeyedStore[K, V]) Stage(batch *Batch, k K, v V) error {
	enc, err := encodeValue(v)
	if err != nil {
		return err
	}
	s.region.StagePut(batch, s.keys.EncodeKey(k), enc)
	return nil
}

// StageRemove records the removal of k in batch.
func (s *KeyedStore[K, V]) StageRemove(batch *Batch, k K) {
	s.region.StageDelete(batch, s.keys.EncodeKey(k))
}

// Verify decodes every record and returns the number checked. Any failure
// wraps ErrCorrupt.
func (s *KeyedStore[K, V]) Verify() (int, error) {
	n := 0
	err := s.Scan(nil, func(K, V) bool {
		n++
		return true
	})
	return n, err
}
