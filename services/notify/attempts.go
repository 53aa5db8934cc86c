package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Delivery attempt statuses.
const (
	StatusDelivered = "delivered"
	StatusRetry     = "retry"
	StatusFailed    = "failed"
)

// Attempt is one recorded webhook delivery try.
type Attempt struct {
	DeliveryID     string
	NotificationID uint64
	Endpoint       string
	Kind           string
	Attempt        int
	Status         string
	Error          string
	NextAttempt    time.Time
	CreatedAt      time.Time
}

// AttemptLog persists webhook delivery attempts in SQLite so operators can
// inspect failed deliveries after a restart.
type AttemptLog struct {
	db *sql.DB
}

// OpenAttemptLog opens (creating if needed) the attempt log at path. Use
// ":memory:" for an ephemeral log.
func OpenAttemptLog(path string) (*AttemptLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	log := &AttemptLog{db: db}
	if err := log.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

func (l *AttemptLog) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            delivery_id TEXT NOT NULL,
            notification_id INTEGER NOT NULL,
            endpoint TEXT NOT NULL,
            kind TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt INTEGER,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS webhook_attempts_delivery ON webhook_attempts(delivery_id);`,
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (l *AttemptLog) Close() error {
	return l.db.Close()
}

// Record appends an attempt.
func (l *AttemptLog) Record(ctx context.Context, a Attempt) error {
	const stmt = `INSERT INTO webhook_attempts (delivery_id, notification_id, endpoint, kind, attempt, status, error, next_attempt, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var next sql.NullInt64
	if !a.NextAttempt.IsZero() {
		next = sql.NullInt64{Int64: a.NextAttempt.UnixNano(), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, stmt,
		a.DeliveryID, int64(a.NotificationID), a.Endpoint, a.Kind, a.Attempt, a.Status, a.Error, next, a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("notify: record attempt: %w", err)
	}
	return nil
}

// ForDelivery lists the attempts of one delivery in the order they happened.
func (l *AttemptLog) ForDelivery(ctx context.Context, deliveryID string) ([]Attempt, error) {
	return l.query(ctx, `SELECT delivery_id, notification_id, endpoint, kind, attempt, status, error, next_attempt, created_at
        FROM webhook_attempts WHERE delivery_id = ? ORDER BY id`, deliveryID)
}

// Failed lists the most recent permanently failed deliveries.
func (l *AttemptLog) Failed(ctx context.Context, limit int) ([]Attempt, error) {
	return l.query(ctx, `SELECT delivery_id, notification_id, endpoint, kind, attempt, status, error, next_attempt, created_at
        FROM webhook_attempts WHERE status = ? ORDER BY id DESC LIMIT ?`, StatusFailed, limit)
}

func (l *AttemptLog) query(ctx context.Context, query string, args ...any) ([]Attempt, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("notify: query attempts: %w", err)
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var (
			a              Attempt
			notificationID int64
			errText        sql.NullString
			next           sql.NullInt64
			created        int64
		)
		if err := rows.Scan(&a.DeliveryID, &notificationID, &a.Endpoint, &a.Kind, &a.Attempt, &a.Status, &errText, &next, &created); err != nil {
			return nil, fmt.Errorf("notify: scan attempt: %w", err)
		}
		a.NotificationID = uint64(notificationID)
		a.Error = errText.String
		if next.Valid {
			a.NextAttempt = time.Unix(0, next.Int64)
		}
		a.CreatedAt = time.Unix(0, created)
		out = append(out, a)
	}
	return out, rows.Err()
}
