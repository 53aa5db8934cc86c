package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
)

// Region names used by the ledger. The set may grow between releases but a
// name, once recorded in the layout manifest, must never disappear.
const (
	RegionBalances          = "balances"
	RegionBalanceHistory    = "balance_history"
	RegionTransactions      = "transactions"
	RegionTransactionIndex  = "transaction_index"
	RegionNotifications     = "notifications"
	RegionNotificationIndex = "notification_index"
	RegionRateLimits        = "rate_limits"
	RegionAuditLogs         = "audit_logs"
	RegionConfiguration     = "configuration"

	layoutRegion = "__layout"
	regionSep    = '/'
)

// LedgerRegions is the fixed registry attached at process start.
var LedgerRegions = []string{
	RegionBalances,
	RegionBalanceHistory,
	RegionTransactions,
	RegionTransactionIndex,
	RegionNotifications,
	RegionNotificationIndex,
	RegionRateLimits,
	RegionAuditLogs,
	RegionConfiguration,
}

var (
	// ErrUnknownRegion is returned when a region that was not attached at
	// startup is requested.
	ErrUnknownRegion = errors.New("storage: unknown region")
	// ErrLayoutMismatch is returned when the on-disk layout manifest records a
	// region that the current registry no longer declares.
	ErrLayoutMismatch = errors.New("storage: region layout mismatch")
)

// layoutEntry is the manifest record written the first time a region is
// attached.
type layoutEntry struct {
	Ordinal uint64
}

// Region is a named, prefix-isolated slice of the underlying database. Keys
// passed to a Region are relative to it.
type Region struct {
	name   string
	prefix []byte
	db     Database
}

func newRegion(db Database, name string) *Region {
	prefix := make([]byte, 0, len(name)+1)
	prefix = append(prefix, name...)
	prefix = append(prefix, regionSep)
	return &Region{name: name, prefix: prefix, db: db}
}

// Name returns the stable region name.
func (r *Region) Name() string { return r.name }

func (r *Region) key(k []byte) []byte {
	out := make([]byte, 0, len(r.prefix)+len(k))
	out = append(out, r.prefix...)
	return append(out, k...)
}

func (r *Region) Get(k []byte) ([]byte, error) { return r.db.Get(r.key(k)) }

func (r *Region) Has(k []byte) (bool, error) { return r.db.Has(r.key(k)) }

func (r *Region) Put(k, v []byte) error { return r.db.Put(r.key(k), v) }

func (r *Region) Delete(k []byte) error { return r.db.Delete(r.key(k)) }

// StagePut records a write to the region in batch.
func (r *Region) StagePut(batch *Batch, k, v []byte) { batch.Put(r.key(k), v) }

// StageDelete records a removal from the region in batch.
func (r *Region) StageDelete(batch *Batch, k []byte) { batch.Delete(r.key(k)) }

// Write commits a batch against the database backing the region.
func (r *Region) Write(batch *Batch) error { return r.db.Write(batch) }

// Iterate walks keys that start with sub in ascending order. When from is
// non-nil iteration begins at the first key >= from. Keys handed to fn are
// relative to the region.
func (r *Region) Iterate(sub, from []byte, fn func(k, v []byte) bool) error {
	var start []byte
	if from != nil {
		start = r.key(from)
	}
	return r.db.Iterate(r.key(sub), start, func(k, v []byte) bool {
		return fn(k[len(r.prefix):], v)
	})
}

// IterateReverse walks keys that start with sub in descending order.
func (r *Region) IterateReverse(sub []byte, fn func(k, v []byte) bool) error {
	return r.db.IterateReverse(r.key(sub), func(k, v []byte) bool {
		return fn(k[len(r.prefix):], v)
	})
}

// RegionManager owns the set of regions attached over one database.
type RegionManager struct {
	db      Database
	regions map[string]*Region
	names   []string
}

// OpenRegions attaches every named region eagerly and reconciles the layout
// manifest. Names recorded by a previous run that are absent from names cause
// ErrLayoutMismatch; new names are appended to the manifest.
func OpenRegions(db Database, names []string) (*RegionManager, error) {
	if db == nil {
		return nil, errors.New("storage: nil database")
	}
	declared := make(map[string]struct{}, len(names))
	for _, name := range names {
		if err := validateRegionName(name); err != nil {
			return nil, err
		}
		if _, dup := declared[name]; dup {
			return nil, fmt.Errorf("storage: duplicate region %q", name)
		}
		declared[name] = struct{}{}
	}

	layout := newRegion(db, layoutRegion)
	recorded := make(map[string]uint64)
	var highest uint64
	var decodeErr error
	if err := layout.Iterate(nil, nil, func(k, v []byte) bool {
		var entry layoutEntry
		if err := rlp.DecodeBytes(v, &entry); err != nil {
			decodeErr = fmt.Errorf("%w: layout entry %q: %v", ErrCorrupt, k, err)
			return false
		}
		recorded[string(k)] = entry.Ordinal
		if entry.Ordinal > highest {
			highest = entry.Ordinal
		}
		return true
	}); err != nil {
		return nil, fmt.Errorf("storage: read layout: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	var missing []string
	for name := range recorded {
		if _, ok := declared[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: recorded regions %s are not declared", ErrLayoutMismatch, strings.Join(missing, ", "))
	}

	batch := NewBatch()
	mgr := &RegionManager{db: db, regions: make(map[string]*Region, len(names))}
	for _, name := range names {
		if _, ok := recorded[name]; !ok {
			highest++
			enc, err := rlp.EncodeToBytes(&layoutEntry{Ordinal: highest})
			if err != nil {
				return nil, err
			}
			layout.StagePut(batch, []byte(name), enc)
		}
		mgr.regions[name] = newRegion(db, name)
		mgr.names = append(mgr.names, name)
	}
	if err := db.Write(batch); err != nil {
		return nil, fmt.Errorf("storage: write layout: %w", err)
	}
	return mgr, nil
}

func validateRegionName(name string) error {
	switch {
	case name == "":
		return errors.New("storage: empty region name")
	case name == layoutRegion:
		return fmt.Errorf("storage: region name %q is reserved", name)
	case bytes.IndexByte([]byte(name), regionSep) >= 0:
		return fmt.Errorf("storage: region name %q must not contain %q", name, regionSep)
	}
	return nil
}

// Region returns the attached region for name.
func (m *RegionManager) Region(name string) (*Region, error) {
	region, ok := m.regions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, name)
	}
	return region, nil
}

// MustRegion is Region for names known to be in the registry.
func (m *RegionManager) MustRegion(name string) *Region {
	region, err := m.Region(name)
	if err != nil {
		panic(err)
	}
	return region
}

// Names lists attached regions in registration order.
func (m *RegionManager) Names() []string {
	return append([]string(nil), m.names...)
}

// Write commits a batch that may span several regions.
func (m *RegionManager) Write(batch *Batch) error { return m.db.Write(batch) }

func (m *RegionManager) Close() error { return m.db.Close() }
