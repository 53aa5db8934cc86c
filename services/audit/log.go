package audit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"escrowledger/storage"
)

// ErrChainBroken is returned by VerifyChain when a record's hash or link does
// not match its predecessor.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Record is one append-only audit entry. Hash covers PrevHash and every other
// field, so rewriting any entry invalidates everything after it.
type Record struct {
	ID        uint64   `json:"id"`
	Timestamp uint64   `json:"timestamp"`
	Actor     string   `json:"actor"`
	Action    string   `json:"action"`
	Resource  string   `json:"resource"`
	Detail    string   `json:"detail,omitempty"`
	PrevHash  [32]byte `json:"-"`
	Hash      [32]byte `json:"-"`
}

// Log appends records to the audit_logs region. It is safe for concurrent
// use.
type Log struct {
	mu      sync.Mutex
	records *storage.KeyedStore[uint64, Record]
	nextID  uint64
	head    [32]byte
	nowFn   func() time.Time
	logger  *slog.Logger
}

// Open loads the chain head from the audit_logs region.
func Open(regions *storage.RegionManager, logger *slog.Logger) (*Log, error) {
	region, err := regions.Region(storage.RegionAuditLogs)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		records: storage.NewKeyedStore[uint64, Record](region, storage.Uint64Keys{}),
		nextID:  1,
		nowFn:   time.Now,
		logger:  logger,
	}
	var scanErr error
	err = l.records.ScanReverse(func(id uint64, rec Record) bool {
		if rec.ID != id {
			scanErr = fmt.Errorf("%w: audit record %d stored under key %d", storage.ErrCorrupt, rec.ID, id)
			return false
		}
		l.nextID = id + 1
		l.head = rec.Hash
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("audit: load head: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return l, nil
}

// SetNowFunc overrides the clock. Primarily intended for tests.
func (l *Log) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.mu.Lock()
	l.nowFn = now
	l.mu.Unlock()
}

func hashRecord(rec *Record) [32]byte {
	var buf bytes.Buffer
	buf.Write(rec.PrevHash[:])
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], rec.ID)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], rec.Timestamp)
	buf.Write(scratch[:])
	for _, field := range []string{rec.Actor, rec.Action, rec.Resource, rec.Detail} {
		binary.BigEndian.PutUint64(scratch[:], uint64(len(field)))
		buf.Write(scratch[:])
		buf.WriteString(field)
	}
	return blake3.Sum256(buf.Bytes())
}

// Log appends an entry and returns its id. Failures are logged and reported
// as id 0; auditing never fails the operation being audited.
func (l *Log) Log(actor, action, resource, detail string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := Record{
		ID:        l.nextID,
		Timestamp: uint64(l.nowFn().UnixNano()),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		PrevHash:  l.head,
	}
	rec.Hash = hashRecord(&rec)
	if _, _, err := l.records.Insert(rec.ID, rec); err != nil {
		l.logger.Error("audit append failed",
			slog.String("action", action),
			slog.String("resource", resource),
			slog.Any("error", err))
		return 0
	}
	l.nextID++
	l.head = rec.Hash
	return rec.ID
}

// Recent returns up to limit records, newest first.
func (l *Log) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, limit)
	err := l.records.ScanReverse(func(_ uint64, rec Record) bool {
		out = append(out, rec)
		return len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return out, nil
}

// VerifyChain recomputes every hash and checks the links between consecutive
// records. After CleanupBefore the first remaining record anchors the chain.
func (l *Log) VerifyChain() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var (
		checked int
		prev    *Record
		broken  error
	)
	err := l.records.Scan(nil, func(id uint64, rec Record) bool {
		if hashRecord(&rec) != rec.Hash {
			broken = fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, id)
			return false
		}
		if prev != nil && (rec.PrevHash != prev.Hash || rec.ID != prev.ID+1) {
			broken = fmt.Errorf("%w: record %d does not follow record %d", ErrChainBroken, id, prev.ID)
			return false
		}
		r := rec
		prev = &r
		checked++
		return true
	})
	if err != nil {
		return checked, fmt.Errorf("audit: scan: %w", err)
	}
	return checked, broken
}

// CleanupBefore removes records older than ts (unix nanoseconds). The newest
// record is always kept: Open resumes the id sequence and the chain from it.
func (l *Log) CleanupBefore(ts uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var (
		stale    []uint64
		retained bool
	)
	err := l.records.Scan(nil, func(id uint64, rec Record) bool {
		if rec.Timestamp >= ts {
			retained = true
			return false
		}
		stale = append(stale, id)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("audit: scan: %w", err)
	}
	if !retained && len(stale) > 0 {
		stale = stale[:len(stale)-1]
	}
	return l.records.BatchRemove(stale)
}
