package storage

import (
	"fmt"
)

// IndexedStore pairs a primary store with a secondary index mapping alternate
// keys to primary keys. A primary key may be referenced by several index
// entries (for example one per transaction participant).
//
// Writes that touch both stores are committed in one batch so the index never
// references a primary key absent from the primary store.
type IndexedStore[K comparable, V any, I any] struct {
	primary *KeyedStore[K, V]
	index   *KeyedStore[I, K]
}

func NewIndexedStore[K comparable, V any, I any](primary *KeyedStore[K, V], index *KeyedStore[I, K]) *IndexedStore[K, V, I] {
	return &IndexedStore[K, V, I]{primary: primary, index: index}
}

// Primary returns the underlying primary store.
func (s *IndexedStore[K, V, I]) Primary() *KeyedStore[K, V] { return s.primary }

// Index returns the underlying index store.
func (s *IndexedStore[K, V, I]) Index() *KeyedStore[I, K] { return s.index }

// InsertIndexed writes v under k together with one index entry per idx.
func (s *IndexedStore[K, V, I]) InsertIndexed(k K, v V, idx ...I) error {
	batch := NewBatch()
	if err := s.StageIndexed(batch, k, v, idx...); err != nil {
		return err
	}
	return s.primary.region.Write(batch)
}

// StageIndexed is InsertIndexed against a caller-owned batch.
func (s *IndexedStore[K, V, I]) StageIndexed(batch *Batch, k K, v V, idx ...I) error {
	if err := s.primary.Stage(batch, k, v); err != nil {
		return err
	}
	for _, i := range idx {
		if err := s.index.Stage(batch, i, k); err != nil {
			return err
		}
	}
	return nil
}

// GetByIndex resolves idx to a primary key and loads the record.
func (s *IndexedStore[K, V, I]) GetByIndex(idx I) (V, bool, error) {
	var zero V
	k, ok, err := s.index.Get(idx)
	if err != nil || !ok {
		return zero, false, err
	}
	v, ok, err := s.primary.Get(k)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, fmt.Errorf("%w: index %s references missing primary key %v", ErrCorrupt, s.index.region.Name(), k)
	}
	return v, true, nil
}

// RemoveByIndex removes the record idx resolves to along with every index
// entry that references it.
func (s *IndexedStore[K, V, I]) RemoveByIndex(idx I) (V, bool, error) {
	var zero V
	k, ok, err := s.index.Get(idx)
	if err != nil || !ok {
		return zero, false, err
	}
	v, _, err := s.primary.Get(k)
	if err != nil {
		return zero, false, err
	}
	batch := NewBatch()
	s.primary.StageRemove(batch, k)
	if err := s.index.Scan(nil, func(i I, ref K) bool {
		if ref == k {
			s.index.StageRemove(batch, i)
		}
		return true
	}); err != nil {
		return zero, false, err
	}
	if err := s.primary.region.Write(batch); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// UpdateIndex moves an index entry from oldIdx to newIdx. The removal and the
// insertion are committed together; a missing oldIdx yields ErrNotFound.
func (s *IndexedStore[K, V, I]) UpdateIndex(oldIdx, newIdx I) error {
	k, err := s.index.GetOrError(oldIdx)
	if err != nil {
		return err
	}
	batch := NewBatch()
	s.index.StageRemove(batch, oldIdx)
	if err := s.index.Stage(batch, newIdx, k); err != nil {
		return err
	}
	return s.index.region.Write(batch)
}

// ScanIndex visits index entries whose encoded key starts with prefix. When
// reverse is set the newest (highest) keys come first.
func (s *IndexedStore[K, V, I]) ScanIndex(prefix []byte, reverse bool, fn func(idx I, k K) bool) error {
	return s.index.ScanPrefix(prefix, reverse, fn)
}

// LookupIndex resolves the primary records for every index entry under prefix,
// applying offset and limit after pred. A nil pred matches everything.
func (s *IndexedStore[K, V, I]) LookupIndex(prefix []byte, reverse bool, pred func(V) bool, offset, limit int) ([]V, error) {
	var (
		out     []V
		skipped int
		inner   error
	)
	if limit <= 0 || offset < 0 {
		return nil, nil
	}
	err := s.ScanIndex(prefix, reverse, func(_ I, k K) bool {
		v, ok, err := s.primary.Get(k)
		if err != nil {
			inner = err
			return false
		}
		if !ok {
			inner = fmt.Errorf("%w: index %s references missing primary key %v", ErrCorrupt, s.index.region.Name(), k)
			return false
		}
		if pred != nil && !pred(v) {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, v)
		return len(out) < limit
	})
	if inner != nil {
		return nil, inner
	}
	return out, err
}

// Verify checks that every index entry references a stored primary record.
func (s *IndexedStore[K, V, I]) Verify() (int, error) {
	if _, err := s.primary.Verify(); err != nil {
		return 0, err
	}
	n := 0
	var inner error
	err := s.index.Scan(nil, func(_ I, k K) bool {
		ok, err := s.primary.Contains(k)
		if err != nil {
			inner = err
			return false
		}
		if !ok {
			inner = fmt.Errorf("%w: index %s references missing primary key %v", ErrCorrupt, s.index.region.Name(), k)
			return false
		}
		n++
		return true
	})
	if inner != nil {
		return n, inner
	}
	return n, err
}
