package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// Store wraps a *sql.DB open against a SQLite database and exposes the
// job/event/machine-state operations the engine and the builtin actions
// need. It owns migration on open; callers never touch *sql.DB directly.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if absent) the SQLite database at path and applies
// any pending embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serialises writers anyway; avoid SQLITE_BUSY churn

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, log: slog.With("component", "store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return source.Close()
}

// CreateJob inserts a new pending job row and returns its ID. If fields
// does not set job_id, one is generated by the caller — the store treats
// job_id as an opaque caller-supplied primary key.
func (s *Store) CreateJob(ctx context.Context, j Job) (string, error) {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	data, err := marshalOrEmpty(j.Data)
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}
	metadata, err := marshalOrEmpty(j.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal job metadata: %w", err)
	}

	err = withRetry(ctx, "create_job", defaultRetryPolicy, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (job_id, job_type, machine_type, status, priority, created_at, data, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			j.JobID, j.JobType, j.MachineType, j.Status, j.Priority, j.CreatedAt.Format(timeLayout), data, metadata)
		return err
	})
	if err != nil {
		return "", err
	}
	return j.JobID, nil
}

// GetPendingJobs is a read-only scan: ordered by priority ASC,
// created_at ASC, never mutating status.
func (s *Store) GetPendingJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := `SELECT job_id, job_type, machine_type, status, priority, created_at, started_at, completed_at, data, metadata
		FROM jobs WHERE status = ?`
	status := filter.Status
	if status == "" {
		status = JobPending
	}
	args := []any{status}

	if filter.JobType != "" {
		query += " AND job_type = ?"
		args = append(args, filter.JobType)
	}
	if filter.MachineType != "" {
		query += " AND machine_type = ?"
		args = append(args, filter.MachineType)
	}
	query += " ORDER BY priority ASC, created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var jobs []Job
	err := withRetry(ctx, "get_pending_jobs", defaultRetryPolicy, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		jobs = nil
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	return jobs, err
}

// ClaimJob is the atomic single-claim boundary: the UPDATE predicate
// status='pending' guarantees at most one caller across any number of
// processes observes rowsAffected == 1.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	var claimed bool
	err := withRetry(ctx, "claim_job", defaultRetryPolicy, func() error {
		now := time.Now().UTC().Format(timeLayout)
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = ? WHERE job_id = ? AND status = ?`,
			JobProcessing, now, jobID, JobPending)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// CompleteJob sets a job terminal with status=completed. Completing an
// already-completed job is a no-op — no status regression.
func (s *Store) CompleteJob(ctx context.Context, jobID string, result map[string]any) error {
	return s.finishJob(ctx, jobID, JobCompleted, result)
}

// FailJob sets a job terminal with status=failed, recording errDetail
// under the metadata "error" key.
func (s *Store) FailJob(ctx context.Context, jobID string, errDetail string) error {
	meta := map[string]any{"error": errDetail}
	return s.finishJob(ctx, jobID, JobFailed, meta)
}

func (s *Store) finishJob(ctx context.Context, jobID string, status JobStatus, metadata map[string]any) error {
	meta, err := marshalOrEmpty(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return withRetry(ctx, "finish_job", defaultRetryPolicy, func() error {
		now := time.Now().UTC().Format(timeLayout)
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, completed_at = ?, metadata = ?
			WHERE job_id = ? AND status NOT IN (?, ?)`,
			status, now, meta, jobID, JobCompleted, JobFailed)
		return err
	})
}

// GetJobStatuses returns the current status of each job in ids, keyed by
// job ID. IDs with no matching row are simply absent from the result.
func (s *Store) GetJobStatuses(ctx context.Context, ids []string) (map[string]JobStatus, error) {
	result := make(map[string]JobStatus, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	query := fmt.Sprintf("SELECT job_id, status FROM jobs WHERE job_id IN (%s)", placeholders)

	err := withRetry(ctx, "get_job_statuses", defaultRetryPolicy, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			var status JobStatus
			if err := rows.Scan(&id, &status); err != nil {
				return err
			}
			result[id] = status
		}
		return rows.Err()
	})
	return result, err
}

// RecordEvent appends an event to the durable machine_events log. This is
// the fallback of record when the control socket is unavailable, and the
// only path send_event uses for auditability regardless of socket
// delivery.
func (s *Store) RecordEvent(ctx context.Context, e MachineEvent) (int64, error) {
	payload, err := marshalOrEmpty(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var id int64
	err = withRetry(ctx, "record_event", defaultRetryPolicy, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO machine_events (target_machine, event_type, payload, job_id, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.TargetMachine, e.EventType, payload, nullIfEmpty(e.JobID), e.Source, e.CreatedAt.Format(timeLayout))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// PullEvents returns unconsumed events addressed to targetMachine with ID
// greater than since, ordered oldest first. Callers are expected to mark
// returned events consumed via MarkConsumed once delivered.
func (s *Store) PullEvents(ctx context.Context, targetMachine string, since int64) ([]MachineEvent, error) {
	var events []MachineEvent
	err := withRetry(ctx, "pull_events", defaultRetryPolicy, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, target_machine, event_type, payload, job_id, source, created_at, consumed_at
			FROM machine_events
			WHERE target_machine = ? AND id > ? AND consumed_at IS NULL
			ORDER BY id ASC`, targetMachine, since)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = nil
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	return events, err
}

// MarkConsumed stamps consumed_at on an event so a future PullEvents call
// does not redeliver it.
func (s *Store) MarkConsumed(ctx context.Context, id int64) error {
	return withRetry(ctx, "mark_consumed", defaultRetryPolicy, func() error {
		now := time.Now().UTC().Format(timeLayout)
		_, err := s.db.ExecContext(ctx, `UPDATE machine_events SET consumed_at = ? WHERE id = ?`, now, id)
		return err
	})
}

// UpsertMachineState writes the last-known state of a machine instance.
// Called atomically with — or immediately after — every accepted
// transition.
func (s *Store) UpsertMachineState(ctx context.Context, m MachineState) error {
	if m.LastHeartbeatAt.IsZero() {
		m.LastHeartbeatAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = "running"
	}
	return withRetry(ctx, "upsert_machine_state", defaultRetryPolicy, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO machine_states (machine_name, config_type, current_state, last_heartbeat_at, status)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(machine_name) DO UPDATE SET
				config_type = excluded.config_type,
				current_state = excluded.current_state,
				last_heartbeat_at = excluded.last_heartbeat_at,
				status = excluded.status`,
			m.MachineName, m.ConfigType, m.CurrentState, m.LastHeartbeatAt.Format(timeLayout), m.Status)
		return err
	})
}

// GetMachineState returns the last-known state row for name. The second
// return value is false when no row exists yet (the machine hasn't
// recorded its initial state).
func (s *Store) GetMachineState(ctx context.Context, name string) (MachineState, bool, error) {
	var m MachineState
	var heartbeat string
	found := false

	err := withRetry(ctx, "get_machine_state", defaultRetryPolicy, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT machine_name, config_type, current_state, last_heartbeat_at, status
			FROM machine_states WHERE machine_name = ?`, name)
		scanErr := row.Scan(&m.MachineName, &m.ConfigType, &m.CurrentState, &heartbeat, &m.Status)
		if scanErr == sql.ErrNoRows {
			found = false
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		found = true
		return nil
	})
	if err != nil {
		return MachineState{}, false, err
	}
	if found {
		m.LastHeartbeatAt, _ = time.Parse(timeLayout, heartbeat)
	}
	return m, found, nil
}

// RecordTransition appends to the optional state_transitions audit log.
func (s *Store) RecordTransition(ctx context.Context, machineName, from, to, event string) error {
	return withRetry(ctx, "record_transition", defaultRetryPolicy, func() error {
		now := time.Now().UTC().Format(timeLayout)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO state_transitions (machine_name, from_state, to_state, event_trigger, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			machineName, from, to, event, now)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var started, completed sql.NullString
	var createdAt string
	var data, metadata string

	if err := r.Scan(&j.JobID, &j.JobType, &j.MachineType, &j.Status, &j.Priority, &createdAt, &started, &completed, &data, &metadata); err != nil {
		return Job{}, err
	}

	j.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if started.Valid {
		t, _ := time.Parse(timeLayout, started.String)
		j.StartedAt = &t
	}
	if completed.Valid {
		t, _ := time.Parse(timeLayout, completed.String)
		j.CompletedAt = &t
	}
	j.Data = unmarshalOrEmpty(data)
	j.Metadata = unmarshalOrEmpty(metadata)
	return j, nil
}

func scanEvent(r rowScanner) (MachineEvent, error) {
	var e MachineEvent
	var jobID, consumedAt sql.NullString
	var createdAt, payload string

	if err := r.Scan(&e.ID, &e.TargetMachine, &e.EventType, &payload, &jobID, &e.Source, &createdAt, &consumedAt); err != nil {
		return MachineEvent{}, err
	}

	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if jobID.Valid {
		e.JobID = jobID.String
	}
	if consumedAt.Valid {
		t, _ := time.Parse(timeLayout, consumedAt.String)
		e.ConsumedAt = &t
	}
	e.Payload = unmarshalOrEmpty(payload)
	return e, nil
}

func marshalOrEmpty(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalOrEmpty(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
