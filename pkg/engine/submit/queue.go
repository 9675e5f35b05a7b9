package submit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Queue is the durable fallback for submissions that exhausted their
// delivery attempts. Entries live in a local SQLite database so they
// survive process restarts; the replayer drains them once the store is
// reachable again.
type Queue struct {
	db *sql.DB
}

// Entry is one parked submission awaiting replay.
type Entry struct {
	ID             string
	IdempotencyKey string
	Payload        *Payload
	Attempts       int
	NextAttemptAt  time.Time
	CreatedAt      time.Time
}

// OpenQueue opens the fallback queue at dbPath, creating the database and
// schema when missing.
func OpenQueue(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	q := &Queue{db: db}
	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS pending_submissions (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_submissions_next_attempt
			ON pending_submissions(next_attempt_at)`,
	}

	for _, stmt := range schema {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Enqueue parks a payload for later replay. Parking the same idempotency
// key twice is a no-op, so a crash between enqueue and acknowledgement
// cannot double an entry.
func (q *Queue) Enqueue(ctx context.Context, p *Payload, nextAttempt time.Time) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_submissions (id, idempotency_key, payload, attempts, next_attempt_at)
		VALUES (?, ?, ?, 0, ?)`,
		uuid.NewString(), p.IdempotencyKey, string(body), nextAttempt.UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue submission: %w", err)
	}
	return nil
}

// Due returns up to limit entries whose next-attempt time has passed,
// oldest first.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, idempotency_key, payload, attempts, next_attempt_at, created_at
		FROM pending_submissions
		WHERE next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due submissions: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var body string
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &body, &e.Attempts, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		var p Payload
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("failed to decode payload for %s: %w", e.ID, err)
		}
		e.Payload = &p
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkAttempt records a failed replay and pushes the entry's next-attempt
// time forward.
func (q *Queue) MarkAttempt(ctx context.Context, id string, nextAttempt time.Time) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE pending_submissions
		SET attempts = attempts + 1, next_attempt_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		nextAttempt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update submission: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("submission not found: %s", id)
	}
	return nil
}

// Remove deletes a delivered (or permanently rejected) entry.
func (q *Queue) Remove(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM pending_submissions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove submission: %w", err)
	}
	return nil
}

// Depth returns the number of parked submissions.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_submissions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}
