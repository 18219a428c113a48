// Package journal keeps a durable log of provider tasks that were submitted
// but have not reached a terminal outcome, so a restarted process can resume
// polling instead of paying for a second generation. It also keeps the
// continuity links of every chain for auditing.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maauso/clipchain-api/internal/continuity"
	"github.com/maauso/clipchain-api/internal/fingerprint"
	"github.com/maauso/clipchain-api/internal/generator"
)

// ErrNotFound is returned when no outstanding task exists for a fingerprint.
var ErrNotFound = errors.New("journal: task not found")

// State is the bookkeeping state of an outstanding task.
type State string

const (
	// StatePolling means a poll loop currently owns the task.
	StatePolling State = "polling"
	// StateIndeterminate means polling gave up before the provider reported a
	// terminal state. The task may still finish on the provider side.
	StateIndeterminate State = "indeterminate"
	// StateAbandoned means the caller cancelled while the task was running.
	StateAbandoned State = "abandoned"
)

// Task is one submitted provider task.
type Task struct {
	Fingerprint       fingerprint.Fingerprint
	Provider          string
	ProviderTaskID    string
	StatusURL         string
	JobID             string
	ChainID           string
	RequestedDuration int
	SubmittedDuration int
	State             State
	SubmittedAt       time.Time
	UpdatedAt         time.Time
}

// NewTask builds a polling Task from a submission handle.
func NewTask(fp fingerprint.Fingerprint, h generator.Handle, jobID, chainID string) Task {
	return Task{
		Fingerprint:       fp,
		Provider:          h.Provider,
		ProviderTaskID:    h.ProviderTaskID,
		StatusURL:         h.StatusURL,
		JobID:             jobID,
		ChainID:           chainID,
		RequestedDuration: h.RequestedDuration,
		SubmittedDuration: h.SubmittedDuration,
		State:             StatePolling,
		SubmittedAt:       h.SubmittedAt,
	}
}

// Handle rebuilds the submission handle.
func (t Task) Handle() generator.Handle {
	return generator.Handle{
		ProviderTaskID:    t.ProviderTaskID,
		Provider:          t.Provider,
		SubmittedAt:       t.SubmittedAt,
		StatusURL:         t.StatusURL,
		RequestedDuration: t.RequestedDuration,
		SubmittedDuration: t.SubmittedDuration,
	}
}

// Journal records outstanding tasks and continuity links.
type Journal interface {
	// Record inserts or replaces the outstanding task for its fingerprint.
	Record(ctx context.Context, t Task) error
	// Remove deletes the task once it reached a terminal outcome.
	Remove(ctx context.Context, fp fingerprint.Fingerprint) error
	// Lookup returns the task for fp or ErrNotFound.
	Lookup(ctx context.Context, fp fingerprint.Fingerprint) (Task, error)
	// MarkState changes the bookkeeping state of a task.
	MarkState(ctx context.Context, fp fingerprint.Fingerprint, s State) error
	// ListOutstanding returns every recorded task, oldest submission first.
	ListOutstanding(ctx context.Context) ([]Task, error)
	// RecordLink appends a continuity link.
	RecordLink(ctx context.Context, l continuity.Link) error
	// ListLinks returns the links of a chain in insertion order.
	ListLinks(ctx context.Context, chainID string) ([]continuity.Link, error)
	Close() error
}

// Compile-time check that SQLiteJournal implements Journal.
var _ Journal = (*SQLiteJournal)(nil)

// SQLiteJournal is a Journal backed by a local sqlite file.
type SQLiteJournal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the journal at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &SQLiteJournal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record inserts or replaces the outstanding task for its fingerprint.
func (j *SQLiteJournal) Record(ctx context.Context, t Task) error {
	if t.State == "" {
		t.State = StatePolling
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = j.now()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO outstanding_tasks(fingerprint, provider, provider_task_id, status_url, job_id, chain_id, requested_duration, submitted_duration, state, submitted_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(fingerprint) DO UPDATE SET
	provider=excluded.provider,
	provider_task_id=excluded.provider_task_id,
	status_url=excluded.status_url,
	job_id=excluded.job_id,
	chain_id=excluded.chain_id,
	requested_duration=excluded.requested_duration,
	submitted_duration=excluded.submitted_duration,
	state=excluded.state,
	submitted_at=excluded.submitted_at,
	updated_at=excluded.updated_at
`, t.Fingerprint.String(), t.Provider, t.ProviderTaskID, t.StatusURL, t.JobID, t.ChainID,
		t.RequestedDuration, t.SubmittedDuration, string(t.State), ts(t.SubmittedAt), ts(j.now()))
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// Remove deletes the task for fp. Removing an absent task is not an error.
func (j *SQLiteJournal) Remove(ctx context.Context, fp fingerprint.Fingerprint) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM outstanding_tasks WHERE fingerprint = ?`, fp.String()); err != nil {
		return fmt.Errorf("remove task: %w", err)
	}
	return nil
}

// MarkState changes the state of the task for fp.
func (j *SQLiteJournal) MarkState(ctx context.Context, fp fingerprint.Fingerprint, s State) error {
	res, err := j.db.ExecContext(ctx, `UPDATE outstanding_tasks SET state = ?, updated_at = ? WHERE fingerprint = ?`,
		string(s), ts(j.now()), fp.String())
	if err != nil {
		return fmt.Errorf("mark task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark task rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `fingerprint, provider, provider_task_id, status_url, job_id, chain_id, requested_duration, submitted_duration, state, submitted_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var (
		t                  Task
		fp, state          string
		submitted, updated string
	)
	if err := row.Scan(&fp, &t.Provider, &t.ProviderTaskID, &t.StatusURL, &t.JobID, &t.ChainID,
		&t.RequestedDuration, &t.SubmittedDuration, &state, &submitted, &updated); err != nil {
		return Task{}, err
	}
	t.Fingerprint = fingerprint.Fingerprint(fp)
	t.State = State(state)
	var err error
	if t.SubmittedAt, err = parseTS(submitted); err != nil {
		return Task{}, fmt.Errorf("parse submitted_at: %w", err)
	}
	if t.UpdatedAt, err = parseTS(updated); err != nil {
		return Task{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return t, nil
}

// Lookup returns the task for fp or ErrNotFound.
func (j *SQLiteJournal) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (Task, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM outstanding_tasks WHERE fingerprint = ?`, fp.String())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("lookup task: %w", err)
	}
	return t, nil
}

// ListOutstanding returns every recorded task, oldest submission first.
func (j *SQLiteJournal) ListOutstanding(ctx context.Context) ([]Task, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM outstanding_tasks ORDER BY submitted_at, fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// RecordLink appends a continuity link.
func (j *SQLiteJournal) RecordLink(ctx context.Context, l continuity.Link) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = j.now()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO continuity_links(chain_id, from_fingerprint, to_fingerprint, seed_digest, created_at)
VALUES (?, ?, ?, ?, ?)`, l.ChainID, l.From.String(), l.To.String(), l.SeedDigest, ts(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("record link: %w", err)
	}
	return nil
}

// ListLinks returns the links of a chain in insertion order.
func (j *SQLiteJournal) ListLinks(ctx context.Context, chainID string) ([]continuity.Link, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT chain_id, from_fingerprint, to_fingerprint, seed_digest, created_at
FROM continuity_links
WHERE chain_id = ?
ORDER BY id`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []continuity.Link
	for rows.Next() {
		var (
			l               continuity.Link
			from, to, creat string
		)
		if err := rows.Scan(&l.ChainID, &from, &to, &l.SeedDigest, &creat); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.From = fingerprint.Fingerprint(from)
		l.To = fingerprint.Fingerprint(to)
		if l.CreatedAt, err = parseTS(creat); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return out, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
