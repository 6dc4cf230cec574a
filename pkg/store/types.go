// Package store implements the durable job queue, event log, and
// machine-state table over a single relational database. SQLite
// (modernc.org/sqlite, a pure-Go driver) is the reference engine. Queries
// go through database/sql; the driver import, the migration driver and the
// SQL dialect are SQLite-specific.
package store

import "time"

// JobStatus is one of the four lifecycle stages a job row passes through.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job mirrors one row of the jobs table.
type Job struct {
	JobID       string
	JobType     string
	MachineType string
	Status      JobStatus
	Priority    int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Data        map[string]any
	Metadata    map[string]any
}

// JobFilter narrows a get_pending_jobs scan. Zero-value fields are
// wildcards.
type JobFilter struct {
	JobType     string
	MachineType string
	Status      JobStatus
	Limit       int
}

// MachineEvent mirrors one row of the machine_events append-only log —
// both the audit trail and the durable fallback for the control socket.
type MachineEvent struct {
	ID            int64
	TargetMachine string
	EventType     string
	Payload       map[string]any
	JobID         string
	Source        string
	CreatedAt     time.Time
	ConsumedAt    *time.Time
}

// MachineState mirrors one row of the machine_states table: the
// last-known state of a single named machine instance.
type MachineState struct {
	MachineName     string
	ConfigType      string
	CurrentState    string
	LastHeartbeatAt time.Time
	Status          string
}
