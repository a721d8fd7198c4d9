package models

import "time"

// JobStatus tracks a job through its lifecycle. The happy path is
// queued -> assigned -> running -> uploading -> complete. A job returns to
// queued when its worker rejects it, fails it, or goes silent; failed is
// terminal and only reached after repeated failures.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobUploading JobStatus = "uploading"
	JobComplete  JobStatus = "complete"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether a job in this status can never move again.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// Held reports whether a job in this status is in a worker's hands.
// The store invariant is: Held(status) <=> assigned_to != "".
func (s JobStatus) Held() bool {
	return s == JobAssigned || s == JobRunning || s == JobUploading
}

// JobInput is the source reference handed to the worker. Size is probed
// best-effort at creation time; zero means unknown and only degrades
// scoring, never correctness.
type JobInput struct {
	URI  string `json:"uri" bson:"uri"`
	Size int64  `json:"size,omitempty" bson:"size,omitempty"`
}

// JobResult is set exactly once, when the worker reports the encoded output.
type JobResult struct {
	CID string `json:"cid" bson:"cid"`
}

// JobProgress carries the worker's self-reported completion percentages.
// Advisory only: used for liveness and the assigned->running promotion,
// never for correctness decisions.
type JobProgress struct {
	Pct         float64 `json:"pct" bson:"pct"`
	DownloadPct float64 `json:"download_pct" bson:"download_pct"`
}

// Job is the unit of transcoding work tracked by the gateway.
type Job struct {
	ID        string    `json:"id" bson:"id"`
	Status    JobStatus `json:"status" bson:"status"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`

	AssignedTo   string     `json:"assigned_to,omitempty" bson:"assigned_to,omitempty"`
	AssignedDate *time.Time `json:"assigned_date,omitempty" bson:"assigned_date,omitempty"`
	LastPinged   *time.Time `json:"last_pinged,omitempty" bson:"last_pinged,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	PinningAt    *time.Time `json:"pinning_at,omitempty" bson:"pinning_at,omitempty"`

	Input    JobInput    `json:"input" bson:"input"`
	Result   *JobResult  `json:"result,omitempty" bson:"result,omitempty"`
	Progress JobProgress `json:"progress" bson:"progress"`

	ReassignCount int `json:"reassign_count" bson:"reassign_count"`
	NumFails      int `json:"num_fails" bson:"num_fails"`

	// Opaque pass-through payloads from the job creator. Metadata travels to
	// the worker, StorageMetadata to the pinning collaborator.
	Metadata        map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	StorageMetadata map[string]string      `json:"storage_metadata,omitempty" bson:"storage_metadata,omitempty"`
}

// NodeInfo is the advisory, self-reported payload a worker sends with its
// updateNode heartbeat. Everything here is overwritten on each contact.
type NodeInfo struct {
	Name           string            `json:"name,omitempty" bson:"name,omitempty"`
	PeerID         string            `json:"peer_id,omitempty" bson:"peer_id,omitempty"`
	CommitHash     string            `json:"commit_hash,omitempty" bson:"commit_hash,omitempty"`
	CryptoAccounts map[string]string `json:"cryptoAccounts,omitempty" bson:"cryptoAccounts,omitempty"`
	CPUModel       string            `json:"cpu_model,omitempty" bson:"cpu_model,omitempty"`
	TotalThreads   int               `json:"total_threads,omitempty" bson:"total_threads,omitempty"`
	RAMTotalBytes  uint64            `json:"ram_total_bytes,omitempty" bson:"ram_total_bytes,omitempty"`
}

// WorkerInfo is one record per cryptographically verified worker identity,
// created implicitly on first contact and never deleted.
type WorkerInfo struct {
	ID        string    `json:"id" bson:"id"`
	Info      NodeInfo  `json:"node_info" bson:"node_info"`
	FirstSeen time.Time `json:"first_seen" bson:"first_seen"`
	LastSeen  time.Time `json:"last_seen" bson:"last_seen"`

	// Banned is operator-set. A banned worker gets no new assignments but may
	// still finish jobs it already holds.
	Banned bool `json:"banned" bson:"banned"`
}

// ActivityMeta is the free-form tag attached to a ledger entry.
type ActivityMeta struct {
	Reason string `json:"reason,omitempty" bson:"reason,omitempty"`
}

// ActivityRecord is one append-only ledger row per job state transition.
// Duration is seconds since the job's previous transition, or since creation
// for the first record.
type ActivityRecord struct {
	JobID          string       `json:"job_id" bson:"job_id"`
	PreviousStatus JobStatus    `json:"previous_status" bson:"previous_status"`
	Status         JobStatus    `json:"status" bson:"status"`
	Date           time.Time    `json:"date" bson:"date"`
	Duration       float64      `json:"duration" bson:"duration"`
	AssignedTo     string       `json:"assigned_to,omitempty" bson:"assigned_to,omitempty"`
	Meta           ActivityMeta `json:"meta" bson:"meta"`
}

// NodeScore is the derived per-worker performance record over the trailing
// scoring window. Never persisted; recomputed on demand.
type NodeScore struct {
	NodeID string `json:"node_id"`

	// ByteRate is the average of size/duration across the worker's completed
	// jobs in the window, in bytes per second. Zero means undefined (no
	// usable completions) and disqualifies the worker from time-budget
	// comparisons.
	ByteRate      float64 `json:"byte_rate"`
	ByteRateShare float64 `json:"byte_rate_share"`

	JobsTotal      int     `json:"jobs_total"`
	JobsReassigned int     `json:"jobs_reassigned"`
	ReassignRate   float64 `json:"reassign_rate"`

	// LowPrecision flags a worker with too little history to trust the
	// numbers above. Such workers get the benefit of the doubt when asking
	// for work.
	LowPrecision bool `json:"low_precision"`

	// Load is the live count of jobs currently assigned or running for the
	// worker. Not windowed.
	Load int `json:"load"`
}

// SelectReason explains a selectJob outcome to the asking worker.
type SelectReason string

const (
	ReasonJobAvailable    SelectReason = "JOB_AVAILABLE"
	ReasonNoJobs          SelectReason = "NO_JOBS"
	ReasonRankRequirement SelectReason = "RANK_REQUIREMENT"
	ReasonBanned          SelectReason = "BANNED"
)

// JobOffer is the selectJob response: Job is set only when Reason is
// JOB_AVAILABLE; Reason is always set.
type JobOffer struct {
	Job    *Job         `json:"job,omitempty"`
	Reason SelectReason `json:"reason"`
}

// JobStatusInfo is the public view of a single job plus its position in the
// queue (rank is nil once the job is no longer queued).
type JobStatusInfo struct {
	Job  *Job `json:"job"`
	Rank *int `json:"rank"`
}

// GatewayStats are the headline counters exposed for observability.
type GatewayStats struct {
	TotalEncoded        int64 `json:"totalEncoded"`
	TotalFailed         int64 `json:"totalFailed"`
	TotalEncodedLastDay int64 `json:"totalEncodedLastDay"`
	TotalFailedLastDay  int64 `json:"totalFailedLastDay"`
	TotalQueued         int64 `json:"totalQueued"`
}
