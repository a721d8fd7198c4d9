// Package store defines the gateway's durable collections: jobs, workers and
// the append-only activity ledger. Two implementations exist: an in-memory
// store used in tests and single-node deployments, and a MongoDB store for
// anything that has to survive a restart or be shared between gateway
// replicas.
package store

import (
	"context"
	"errors"
	"time"

	"encoder-gateway/pkg/models"
)

var (
	// ErrNotFound is returned when a job or worker id is unknown.
	ErrNotFound = errors.New("store: not found")

	// ErrNotQueued is returned by ClaimJob when the job was claimed by
	// another worker first (or is otherwise no longer queued). Expected
	// steady-state traffic under concurrent polling, not a fault.
	ErrNotQueued = errors.New("store: job is no longer queued")
)

// JobStore holds one record per job, keyed by job id. ClaimJob is the single
// operation that needs at-most-one-winner semantics; every other mutation is
// a plain read-modify-write guarded by the caller's ownership check.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// UpdateJob overwrites the stored record. Callers must have read the
	// current record first and hold ownership of the job.
	UpdateJob(ctx context.Context, job models.Job) error

	// ClaimJob atomically transitions a job from queued to assigned for the
	// given worker, stamping assigned_date and last_pinged with now. It
	// returns ErrNotQueued if the job's current status is not queued at
	// write time.
	ClaimJob(ctx context.Context, id, workerID string, now time.Time) (*models.Job, error)

	// OldestQueued returns up to limit queued jobs ordered by created_at
	// ascending.
	OldestQueued(ctx context.Context, limit int) ([]models.Job, error)

	// ExpiredJobs returns jobs whose holder has gone silent: assigned or
	// running with last_pinged before pingCutoff, plus uploading with
	// pinning_at before pinCutoff.
	ExpiredJobs(ctx context.Context, pingCutoff, pinCutoff time.Time) ([]models.Job, error)

	// UploadingJobs returns every job currently in the uploading status.
	UploadingJobs(ctx context.Context) ([]models.Job, error)

	// JobsByWorker returns the jobs a worker currently holds (assigned,
	// running or uploading).
	JobsByWorker(ctx context.Context, workerID string) ([]models.Job, error)

	// CountLoad returns the number of jobs currently assigned or running
	// for the worker.
	CountLoad(ctx context.Context, workerID string) (int, error)

	// CompletedSince returns the worker's complete jobs with a known input
	// size whose assignment happened after since.
	CompletedSince(ctx context.Context, workerID string, since time.Time) ([]models.Job, error)

	// CountByStatus counts jobs in the given status, optionally restricted
	// to those completed after since (zero time means no restriction).
	CountByStatus(ctx context.Context, status models.JobStatus, since time.Time) (int64, error)
}

// WorkerStore holds one record per verified worker identity.
type WorkerStore interface {
	// UpsertWorker creates the record on first contact (stamping first_seen)
	// and refreshes node info and last_seen on every subsequent heartbeat.
	// The banned flag is never touched by upserts.
	UpsertWorker(ctx context.Context, id string, info models.NodeInfo, now time.Time) error
	GetWorker(ctx context.Context, id string) (*models.WorkerInfo, error)
}

// ActivityStore is the append-only transition ledger. Rows are never mutated
// or deleted; the scoring engine reads it tolerating eventual consistency.
type ActivityStore interface {
	AppendActivity(ctx context.Context, rec models.ActivityRecord) error

	// LastActivity returns the most recent ledger row for a job, or nil if
	// the job has none yet.
	LastActivity(ctx context.Context, jobID string) (*models.ActivityRecord, error)

	// DistinctWorkers returns every worker identity that appears in the
	// ledger as assigned_to.
	DistinctWorkers(ctx context.Context) ([]string, error)

	// DistinctJobs returns the distinct job ids attributed to the worker
	// after since.
	DistinctJobs(ctx context.Context, workerID string, since time.Time) ([]string, error)

	// DistinctReassigned returns the distinct job ids attributed to the
	// worker after since where the job transitioned away from a held status
	// back to queued.
	DistinctReassigned(ctx context.Context, workerID string, since time.Time) ([]string, error)
}

// Store is the full persistence surface the gateway depends on.
type Store interface {
	JobStore
	WorkerStore
	ActivityStore
}
