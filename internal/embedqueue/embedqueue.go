// Package embedqueue implements the durable embedding-generation job queue
// (spec §4.H.7): an on-disk table serializing archive-embedding jobs with
// exactly-once-best-effort RunOnce, retry-with-immediate-eligibility on
// transient failure, and a SQLite-backed schema that survives restarts,
// generalizing internal/store/store.go's database/sql + modernc.org/sqlite
// pattern onto a single job queue table instead of the teacher's many
// scheduler tables.
package embedqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is one queued embedding-generation task: a reference to an archive
// digest row that needs its vector representation computed.
type Job struct {
	ID             int64
	ConversationID string
	ArchiveKey     string
	Text           string
	Status         Status
	Attempts       int
	EnqueuedAt     time.Time
	RunAfter       time.Time
	LastError      string
}

const schema = `
CREATE TABLE IF NOT EXISTS embed_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	archive_key TEXT NOT NULL,
	text TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	enqueued_at DATETIME NOT NULL DEFAULT (datetime('now')),
	run_after DATETIME NOT NULL DEFAULT (datetime('now')),
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_embed_jobs_archive_key ON embed_jobs(archive_key);
CREATE INDEX IF NOT EXISTS idx_embed_jobs_status_run_after ON embed_jobs(status, run_after);
`

// Queue is a SQLite-backed durable job queue.
type Queue struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at dbPath and ensures the job
// table exists.
func Open(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("embedqueue: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("embedqueue: create schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue inserts a pending job for archiveKey. Re-enqueuing the same
// archiveKey is a no-op (idempotent by the unique index), matching the
// digest store's exists-before-write discipline.
func (q *Queue) Enqueue(conversationID, archiveKey, text string) error {
	_, err := q.db.Exec(
		`INSERT OR IGNORE INTO embed_jobs (conversation_id, archive_key, text) VALUES (?, ?, ?)`,
		conversationID, archiveKey, text,
	)
	if err != nil {
		return fmt.Errorf("embedqueue: enqueue %s: %w", archiveKey, err)
	}
	return nil
}

// EmbedFunc computes an embedding (or performs whatever post-task work the
// job represents) for a job's text, returning an error on transient
// failure.
type EmbedFunc func(ctx context.Context, job Job) error

// claimNext atomically claims the oldest eligible pending job (status
// pending and run_after <= now), marking it running, and returns it.
func (q *Queue) claimNext(now time.Time) (Job, bool, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, conversation_id, archive_key, text, status, attempts, enqueued_at, run_after, last_error
		 FROM embed_jobs WHERE status = ? AND run_after <= ? ORDER BY id ASC LIMIT 1`,
		StatusPending, now,
	)
	var j Job
	var status string
	if err := row.Scan(&j.ID, &j.ConversationID, &j.ArchiveKey, &j.Text, &status, &j.Attempts, &j.EnqueuedAt, &j.RunAfter, &j.LastError); err != nil {
		if err == sql.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}
	j.Status = Status(status)

	if _, err := tx.Exec(`UPDATE embed_jobs SET status = ? WHERE id = ?`, StatusRunning, j.ID); err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	j.Status = StatusRunning
	return j, true, nil
}

// RunOnce claims and runs at most one eligible job, best-effort
// exactly-once: the claim transitions the row to "running" before the
// caller's EmbedFunc executes, so a concurrent RunOnce on another process
// cannot claim the same row. On failure the job is requeued as pending with
// run_after = now (immediate eligibility, per spec §4.H.7), not backed off.
func (q *Queue) RunOnce(ctx context.Context, embed EmbedFunc) (ran bool, err error) {
	job, ok, err := q.claimNext(time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("embedqueue: claim: %w", err)
	}
	if !ok {
		return false, nil
	}

	if embedErr := embed(ctx, job); embedErr != nil {
		_, updateErr := q.db.Exec(
			`UPDATE embed_jobs SET status = ?, attempts = attempts + 1, run_after = ?, last_error = ? WHERE id = ?`,
			StatusPending, time.Now().UTC(), embedErr.Error(), job.ID,
		)
		if updateErr != nil {
			return true, fmt.Errorf("embedqueue: recording failure for job %d: %w", job.ID, updateErr)
		}
		return true, nil
	}

	if _, err := q.db.Exec(`UPDATE embed_jobs SET status = ? WHERE id = ?`, StatusDone, job.ID); err != nil {
		return true, fmt.Errorf("embedqueue: marking job %d done: %w", job.ID, err)
	}
	return true, nil
}

// PendingCount returns the number of jobs still awaiting execution.
func (q *Queue) PendingCount() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM embed_jobs WHERE status = ?`, StatusPending).Scan(&n)
	return n, err
}

// RunInline performs embed directly, bypassing the queue entirely — the
// fallback path spec §4.H.7 requires when the queue is unavailable (e.g.
// its database file could not be opened).
func RunInline(ctx context.Context, job Job, embed EmbedFunc) error {
	return embed(ctx, job)
}
