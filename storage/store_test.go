package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Name   string
	Amount uint64
	Tags   []string
	Note   *string `rlp:"nil"`
}

func openTestRegions(t *testing.T) *RegionManager {
	t.Helper()
	mgr, err := OpenRegions(NewMemDB(), LedgerRegions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// eachBackend runs fn against a fresh region manager on every Database
// implementation.
func eachBackend(t *testing.T, fn func(t *testing.T, mgr *RegionManager)) {
	backends := map[string]func(t *testing.T) Database{
		"leveldb": func(t *testing.T) Database { return NewMemDB() },
		"bolt": func(t *testing.T) Database {
			db, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.db"), nil)
			require.NoError(t, err)
			return db
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			mgr, err := OpenRegions(open(t), LedgerRegions)
			require.NoError(t, err)
			t.Cleanup(func() { _ = mgr.Close() })
			fn(t, mgr)
		})
	}
}

func TestKeyedStoreSurvivesReopen(t *testing.T) {
	note := "first delivery"
	want := testRecord{Name: "alice", Amount: 10_000, Tags: []string{"a", "b"}, Note: &note}

	backends := map[string]func(t *testing.T, dir string) Database{
		"leveldb": func(t *testing.T, dir string) Database {
			db, err := NewLevelDB(dir)
			require.NoError(t, err)
			return db
		},
		"bolt": func(t *testing.T, dir string) Database {
			db, err := NewBoltDB(filepath.Join(dir, "ledger.db"), nil)
			require.NoError(t, err)
			return db
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()

			mgr, err := OpenRegions(open(t, dir), LedgerRegions)
			require.NoError(t, err)
			store := NewKeyedStore[uint64, testRecord](mgr.MustRegion(RegionTransactions), Uint64Keys{})
			_, existed, err := store.Insert(7, want)
			require.NoError(t, err)
			require.False(t, existed)
			rawBefore, err := mgr.MustRegion(RegionTransactions).Get(Uint64Keys{}.EncodeKey(7))
			require.NoError(t, err)
			require.NoError(t, mgr.Close())

			mgr, err = OpenRegions(open(t, dir), LedgerRegions)
			require.NoError(t, err)
			defer mgr.Close()
			store = NewKeyedStore[uint64, testRecord](mgr.MustRegion(RegionTransactions), Uint64Keys{})
			got, err := store.GetOrError(7)
			require.NoError(t, err)
			require.Equal(t, want, got)
			rawAfter, err := mgr.MustRegion(RegionTransactions).Get(Uint64Keys{}.EncodeKey(7))
			require.NoError(t, err)
			require.True(t, bytes.Equal(rawBefore, rawAfter))
		})
	}
}

func TestRegionsAreIsolated(t *testing.T) {
	mgr := openTestRegions(t)
	balances := NewKeyedStore[string, uint64](mgr.MustRegion(RegionBalances), StringKeys{})
	history := NewKeyedStore[string, uint64](mgr.MustRegion(RegionBalanceHistory), StringKeys{})

	_, _, err := balances.Insert("alice", 1)
	require.NoError(t, err)
	_, _, err = history.Insert("alice", 2)
	require.NoError(t, err)

	n, err := balances.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	v, _, err := history.Get("alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	_, err = mgr.Region("unknown")
	require.ErrorIs(t, err, ErrUnknownRegion)
}

func TestOpenRegionsRejectsDroppedRegion(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	_, err := OpenRegions(db, []string{"a", "b"})
	require.NoError(t, err)
	_, err = OpenRegions(db, []string{"a", "b", "c"})
	require.NoError(t, err)
	_, err = OpenRegions(db, []string{"a", "c"})
	require.ErrorIs(t, err, ErrLayoutMismatch)

	_, err = OpenRegions(db, []string{"bad/name"})
	require.Error(t, err)
	_, err = OpenRegions(db, []string{"__layout"})
	require.Error(t, err)
}

func TestKeyedStoreOrderingAndPagination(t *testing.T) {
	mgr := openTestRegions(t)
	store := NewKeyedStore[uint64, testRecord](mgr.MustRegion(RegionTransactions), Uint64Keys{})

	for _, id := range []uint64{300, 2, 256, 1, 10} {
		_, _, err := store.Insert(id, testRecord{Name: "r", Amount: id})
		require.NoError(t, err)
	}
	keys, err := store.Keys()
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 10, 256, 300}, keys)

	page, err := store.Paginate(1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.EqualValues(t, 2, page[0].Key)
	require.EqualValues(t, 10, page[1].Key)

	empty, err := store.Paginate(10, 5)
	require.NoError(t, err)
	require.Empty(t, empty)

	big, err := store.Filter(func(_ uint64, v testRecord) bool { return v.Amount > 100 })
	require.NoError(t, err)
	require.Len(t, big, 2)

	old, existed, err := store.Insert(2, testRecord{Name: "replaced", Amount: 2})
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, "r", old.Name)

	removed, existed, err := store.Remove(300)
	require.NoError(t, err)
	require.True(t, existed)
	require.EqualValues(t, 300, removed.Amount)
	_, existed, err = store.Remove(300)
	require.NoError(t, err)
	require.False(t, existed)
}

func TestKeyedStoreUpdate(t *testing.T) {
	mgr := openTestRegions(t)
	store := NewKeyedStore[string, testRecord](mgr.MustRegion(RegionBalances), StringKeys{})

	_, err := store.Update("missing", func(*testRecord) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)

	got, err := store.GetOrInsertWith("bob", func() testRecord { return testRecord{Name: "bob"} })
	require.NoError(t, err)
	require.Equal(t, "bob", got.Name)

	updated, err := store.Update("bob", func(r *testRecord) error {
		r.Amount = 42
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 42, updated.Amount)

	boom := errors.New("boom")
	_, err = store.Update("bob", func(r *testRecord) error {
		r.Amount = 0
		return boom
	})
	require.ErrorIs(t, err, boom)
	stored, err := store.GetOrError("bob")
	require.NoError(t, err)
	require.EqualValues(t, 42, stored.Amount)
}

func TestKeyedStoreBatchOperations(t *testing.T) {
	mgr := openTestRegions(t)
	store := NewKeyedStore[uint64, testRecord](mgr.MustRegion(RegionTransactions), Uint64Keys{})

	require.NoError(t, store.BatchInsert([]Entry[uint64, testRecord]{
		{Key: 1, Value: testRecord{Name: "a"}},
		{Key: 2, Value: testRecord{Name: "b"}},
		{Key: 3, Value: testRecord{Name: "c"}},
	}))
	removed, err := store.BatchRemove([]uint64{1, 3, 9})
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	cleared, err := store.Clear()
	require.NoError(t, err)
	require.Equal(t, 1, cleared)
	n, err := store.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestVerifyReportsCorruptRecord(t *testing.T) {
	mgr := openTestRegions(t)
	region := mgr.MustRegion(RegionTransactions)
	store := NewKeyedStore[uint64, testRecord](region, Uint64Keys{})

	_, _, err := store.Insert(1, testRecord{Name: "ok"})
	require.NoError(t, err)
	n, err := store.Verify()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, region.Put(Uint64Keys{}.EncodeKey(2), []byte{0xff, 0x01}))
	_, err = store.Verify()
	require.ErrorIs(t, err, ErrCorrupt)
	_, _, err = store.Get(2)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestIndexedStore(t *testing.T) {
	eachBackend(t, testIndexedStore)
}

func testIndexedStore(t *testing.T, mgr *RegionManager) {
	primary := NewKeyedStore[uint64, testRecord](mgr.MustRegion(RegionTransactions), Uint64Keys{})
	index := NewKeyedStore[AccountKey, uint64](mgr.MustRegion(RegionTransactionIndex), AccountKeys{})
	store := NewIndexedStore(primary, index)

	require.NoError(t, store.InsertIndexed(1, testRecord{Name: "one"}, AccountKey{"alice", 1}, AccountKey{"bob", 1}))
	require.NoError(t, store.InsertIndexed(2, testRecord{Name: "two"}, AccountKey{"alice", 2}, AccountKey{"carol", 2}))
	require.NoError(t, store.InsertIndexed(3, testRecord{Name: "three"}, AccountKey{"alicea", 3}))

	got, ok, err := store.GetByIndex(AccountKey{"bob", 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", got.Name)

	newestFirst, err := store.LookupIndex(AccountPrefix("alice"), true, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, newestFirst, 2)
	require.Equal(t, "two", newestFirst[0].Name)
	require.Equal(t, "one", newestFirst[1].Name)

	err = store.UpdateIndex(AccountKey{"zed", 9}, AccountKey{"zed", 10})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, store.UpdateIndex(AccountKey{"carol", 2}, AccountKey{"dave", 2}))
	_, ok, err = store.GetByIndex(AccountKey{"carol", 2})
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = store.GetByIndex(AccountKey{"dave", 2})
	require.NoError(t, err)
	require.True(t, ok)

	removed, ok, err := store.RemoveByIndex(AccountKey{"alice", 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", removed.Name)
	_, ok, err = store.GetByIndex(AccountKey{"bob", 1})
	require.NoError(t, err)
	require.False(t, ok)

	checked, err := store.Verify()
	require.NoError(t, err)
	require.Equal(t, 3, checked)
}

func TestAccountKeysRoundTrip(t *testing.T) {
	key := AccountKey{Account: "acct-1", ID: 1 << 40}
	decoded, err := AccountKeys{}.DecodeKey(AccountKeys{}.EncodeKey(key))
	require.NoError(t, err)
	require.Equal(t, key, decoded)

	_, err = AccountKeys{}.DecodeKey([]byte("short"))
	require.ErrorIs(t, err, ErrCorrupt)
	require.False(t, ValidAccountKey("bad\x00acct"))
	require.False(t, ValidAccountKey(""))
}

func TestTimeSeriesStore(t *testing.T) {
	eachBackend(t, testTimeSeriesStore)
}

func testTimeSeriesStore(t *testing.T, mgr *RegionManager) {
	series := NewTimeSeriesStore[testRecord](mgr.MustRegion(RegionBalanceHistory))

	_, _, found, err := series.Latest()
	require.NoError(t, err)
	require.False(t, found)

	for _, ts := range []uint64{100, 200, 300, 400} {
		require.NoError(t, series.Add(ts, testRecord{Amount: ts}))
	}
	require.ErrorIs(t, series.Add(200, testRecord{}), ErrDuplicateTimestamp)

	window, err := series.Range(200, 300)
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.EqualValues(t, 200, window[0].Key)
	require.EqualValues(t, 300, window[1].Key)

	ts, latest, found, err := series.Latest()
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 400, ts)
	require.EqualValues(t, 400, latest.Amount)

	removed, err := series.CleanupBefore(300)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	rest, err := series.Range(0, ^uint64(0))
	require.NoError(t, err)
	require.Len(t, rest, 2)
}

func TestTimeSeriesCleanupRejectsCorruptKey(t *testing.T) {
	eachBackend(t, func(t *testing.T, mgr *RegionManager) {
		region := mgr.MustRegion(RegionBalanceHistory)
		series := NewTimeSeriesStore[testRecord](region)
		require.NoError(t, series.Add(100, testRecord{Amount: 1}))
		require.NoError(t, region.Put([]byte{0x00}, []byte{0xc0}))

		_, err := series.CleanupBefore(1_000)
		require.ErrorIs(t, err, ErrCorrupt)
		_, _, found, err := series.Latest()
		require.NoError(t, err)
		require.True(t, found)
	})
}

func TestBatchSpansRegionsAtomically(t *testing.T) {
	mgr := openTestRegions(t)
	a := NewKeyedStore[string, uint64](mgr.MustRegion(RegionBalances), StringKeys{})
	b := NewKeyedStore[string, uint64](mgr.MustRegion(RegionConfiguration), StringKeys{})

	batch := NewBatch()
	require.NoError(t, a.Stage(batch, "x", 1))
	require.NoError(t, b.Stage(batch, "y", 2))

	ok, err := a.Contains("x")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.Write(batch))
	ok, err = a.Contains("x")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Contains("y")
	require.NoError(t, err)
	require.True(t, ok)
}
