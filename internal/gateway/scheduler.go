// Package gateway implements the central job scheduler: the job state
// machine, the claim/selection policy, the scoring engine and the two
// background reconciliation sweeps. Transports (REST, bots) are thin callers
// of the Scheduler API and live elsewhere.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/google/uuid"

	"encoder-gateway/internal/events"
	"encoder-gateway/internal/store"
	"encoder-gateway/pkg/models"
)

var (
	// ErrNotOwner means the calling worker does not hold the job in an
	// active state. The worker should stop acting on the job and poll for
	// new work.
	ErrNotOwner = errors.New("gateway: job is not held by this worker")

	// ErrMissingOutput means a finish request carried no output reference.
	ErrMissingOutput = errors.New("gateway: output reference not provided")
)

// PinState is the three-valued signal from the storage collaborator.
type PinState struct {
	Pinned  bool
	Pinning bool
}

// Pinner is the narrow interface to the storage collaborator. Both calls
// must be safe to repeat.
type Pinner interface {
	RequestPin(ctx context.Context, cid, name string, meta map[string]string) error
	PinStatus(ctx context.Context, cid string) (PinState, error)
}

// SizeProber resolves a source URI to its byte size, best effort. A zero
// size with nil error means unknown.
type SizeProber interface {
	HeadSize(ctx context.Context, uri string) (int64, error)
}

// Policy carries the scheduler's tunables. Zero fields take defaults.
type Policy struct {
	// SelectWindow is how many of the oldest queued jobs a selection
	// considers.
	SelectWindow int

	// PreferredSetSize caps how many top-ranked idle workers get priority
	// assignment.
	PreferredSetSize int

	// PreferredRecency excludes workers not seen within this period from
	// the preferred set. Zero disables the filter; whether to filter on
	// recency at all is a named policy choice, not a hidden constant.
	PreferredRecency time.Duration

	// TimeBudget is the estimated transfer+encode time a non-preferred
	// worker's job must fit within.
	TimeBudget time.Duration

	// LivenessThreshold is how long heartbeat silence is tolerated before
	// an assigned or running job is taken back.
	LivenessThreshold time.Duration

	// UploadStallThreshold is how long a job may sit pinning before it is
	// taken back.
	UploadStallThreshold time.Duration

	// MaxFails is the fail count at which a job becomes terminally failed
	// instead of returning to the queue.
	MaxFails int
}

// DefaultPolicy returns the production tunables.
func DefaultPolicy() Policy {
	return Policy{
		SelectWindow:         20,
		PreferredSetSize:     6,
		PreferredRecency:     24 * time.Hour,
		TimeBudget:           30 * time.Minute,
		LivenessThreshold:    time.Minute,
		UploadStallThreshold: 40 * time.Minute,
		MaxFails:             5,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.SelectWindow <= 0 {
		p.SelectWindow = def.SelectWindow
	}
	if p.PreferredSetSize <= 0 {
		p.PreferredSetSize = def.PreferredSetSize
	}
	if p.TimeBudget <= 0 {
		p.TimeBudget = def.TimeBudget
	}
	if p.LivenessThreshold <= 0 {
		p.LivenessThreshold = def.LivenessThreshold
	}
	if p.UploadStallThreshold <= 0 {
		p.UploadStallThreshold = def.UploadStallThreshold
	}
	if p.MaxFails <= 0 {
		p.MaxFails = def.MaxFails
	}
	return p
}

// Options collects the Scheduler's collaborators. Store is required; every
// other field has a usable default.
type Options struct {
	Pins    Pinner
	Probe   SizeProber
	Events  events.Publisher
	Metrics *Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
	Policy  Policy
}

// Scheduler owns job state. All mutations of a job's record flow through
// here; workers and transports never touch the store directly.
type Scheduler struct {
	store    store.Store
	scoring  *Scoring
	activity *ActivityLog
	pins     Pinner
	probe    SizeProber
	events   events.Publisher
	metrics  *Metrics
	clock    clock.Clock
	log      *slog.Logger
	policy   Policy
}

func NewScheduler(st store.Store, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.C
	}
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		scoring:  NewScoring(st, opts.Clock),
		activity: NewActivityLog(st, opts.Clock),
		pins:     opts.Pins,
		probe:    opts.Probe,
		events:   opts.Events,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		log:      opts.Logger,
		policy:   opts.Policy.withDefaults(),
	}
}

// SelectJob decides which queued job, if any, the asking worker may claim.
// An empty workerID is the legacy anonymous path.
func (s *Scheduler) SelectJob(ctx context.Context, workerID string) (models.JobOffer, error) {
	window, err := s.store.OldestQueued(ctx, s.policy.SelectWindow)
	if err != nil {
		return models.JobOffer{}, fmt.Errorf("select job: %w", err)
	}

	if workerID == "" {
		// Legacy pollers get the newest entry of the oldest-first window.
		// Looks inverted, but existing clients depend on it.
		if len(window) == 0 {
			return models.JobOffer{Reason: models.ReasonNoJobs}, nil
		}
		job := window[len(window)-1]
		return models.JobOffer{Job: &job, Reason: models.ReasonJobAvailable}, nil
	}

	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.JobOffer{}, fmt.Errorf("select job: %w", err)
	}
	if worker != nil && worker.Banned {
		return models.JobOffer{Reason: models.ReasonBanned}, nil
	}

	scores, err := s.scoring.ScoreMap(ctx)
	if err != nil {
		return models.JobOffer{}, fmt.Errorf("select job: %w", err)
	}

	// A worker with no ledger history scores zero across the board, which
	// makes it low precision and therefore eligible.
	own := models.NodeScore{NodeID: workerID, LowPrecision: true}
	for _, score := range scores {
		if score.NodeID == workerID {
			own = score
			break
		}
	}

	if s.inPreferredSet(ctx, scores, workerID) || own.LowPrecision {
		if len(window) == 0 {
			return models.JobOffer{Reason: models.ReasonNoJobs}, nil
		}
		job := window[0]
		return models.JobOffer{Job: &job, Reason: models.ReasonJobAvailable}, nil
	}

	// Ranked but unproven-slow workers only get jobs they can plausibly
	// move within the budget. An undefined byte rate never fits.
	if own.ByteRate > 0 {
		budget := s.policy.TimeBudget.Seconds()
		for i := range window {
			estimate := float64(window[i].Input.Size) / own.ByteRate
			if estimate <= budget {
				job := window[i]
				return models.JobOffer{Job: &job, Reason: models.ReasonJobAvailable}, nil
			}
		}
	}
	if len(window) > 0 {
		return models.JobOffer{Reason: models.ReasonRankRequirement}, nil
	}
	return models.JobOffer{Reason: models.ReasonNoJobs}, nil
}

// inPreferredSet reports whether workerID is among the top-ranked idle,
// recently seen workers. scores must already be sorted by byte rate
// descending, as ScoreMap returns them.
func (s *Scheduler) inPreferredSet(ctx context.Context, scores []models.NodeScore, workerID string) bool {
	cutoff := time.Time{}
	if s.policy.PreferredRecency > 0 {
		cutoff = s.clock.Now().Add(-s.policy.PreferredRecency)
	}
	picked := 0
	for _, score := range scores {
		if picked >= s.policy.PreferredSetSize {
			return false
		}
		if score.Load != 0 {
			continue
		}
		if !cutoff.IsZero() {
			worker, err := s.store.GetWorker(ctx, score.NodeID)
			if err != nil || worker.LastSeen.Before(cutoff) {
				continue
			}
		}
		if score.NodeID == workerID {
			return true
		}
		picked++
	}
	return false
}

// AcceptJob claims a queued job for the worker. Exactly one of any set of
// concurrent claimants wins; the rest get store.ErrNotQueued and should go
// back to SelectJob.
func (s *Scheduler) AcceptJob(ctx context.Context, jobID, workerID string) error {
	now := s.clock.Now()
	job, err := s.store.ClaimJob(ctx, jobID, workerID, now)
	if err != nil {
		return err
	}
	if err := s.activity.RecordTransition(ctx, job, models.JobAssigned, workerID, "accepted"); err != nil {
		s.log.Error("record accept transition", "job_id", jobID, "err", err)
	}
	s.metrics.JobAssigned()
	s.publish(job, "accepted")
	s.log.Info("job assigned", "job_id", jobID, "worker", workerID)
	return nil
}

// PingJob is the worker's liveness heartbeat for a held job. Pings against
// jobs the worker no longer holds are silently ignored; the worker learns it
// lost the job when its next meaningful call fails the ownership check.
func (s *Scheduler) PingJob(ctx context.Context, jobID, workerID string, progressPct, downloadPct float64) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedTo != workerID ||
		(job.Status != models.JobAssigned && job.Status != models.JobRunning) {
		return nil
	}

	promote := progressPct > 1 && job.Status == models.JobAssigned
	if promote {
		if err := s.activity.RecordTransition(ctx, job, models.JobRunning, workerID, ""); err != nil {
			s.log.Error("record running transition", "job_id", jobID, "err", err)
		}
		job.Status = models.JobRunning
	}

	now := s.clock.Now()
	job.LastPinged = &now
	job.Progress = models.JobProgress{Pct: progressPct, DownloadPct: downloadPct}
	if err := s.store.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("ping job %s: %w", jobID, err)
	}
	if promote {
		s.publish(job, "")
	}
	return nil
}

// RejectJob returns a held job to the queue without penalizing the job.
func (s *Scheduler) RejectJob(ctx context.Context, jobID, workerID string) error {
	return s.returnToQueue(ctx, jobID, workerID, "rejected", false)
}

// FailJob returns a held job to the queue and counts the failure. The
// failure that reaches the threshold moves the job to terminal failed
// instead.
func (s *Scheduler) FailJob(ctx context.Context, jobID, workerID string) error {
	return s.returnToQueue(ctx, jobID, workerID, "failed", true)
}

func (s *Scheduler) returnToQueue(ctx context.Context, jobID, workerID, reason string, countFail bool) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedTo != workerID ||
		(job.Status != models.JobAssigned && job.Status != models.JobRunning) {
		return ErrNotOwner
	}

	if countFail {
		job.NumFails++
		if job.NumFails >= s.policy.MaxFails {
			if err := s.activity.RecordTransition(ctx, job, models.JobFailed, workerID, reason); err != nil {
				s.log.Error("record failed transition", "job_id", jobID, "err", err)
			}
			// Terminal states keep the last holder on record; the scoring
			// engine and audit trail both read it.
			job.Status = models.JobFailed
			job.LastPinged = nil
			job.PinningAt = nil
			if err := s.store.UpdateJob(ctx, *job); err != nil {
				return fmt.Errorf("fail job %s: %w", jobID, err)
			}
			s.metrics.JobFailed()
			s.publish(job, reason)
			s.log.Warn("job terminally failed", "job_id", jobID, "num_fails", job.NumFails)
			return nil
		}
	}

	if err := s.activity.RecordTransition(ctx, job, models.JobQueued, workerID, reason); err != nil {
		s.log.Error("record requeue transition", "job_id", jobID, "err", err)
	}
	job.Status = models.JobQueued
	clearAssignment(job)
	if err := s.store.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	s.publish(job, reason)
	s.log.Info("job returned to queue", "job_id", jobID, "worker", workerID, "reason", reason)
	return nil
}

func clearAssignment(job *models.Job) {
	job.AssignedTo = ""
	job.AssignedDate = nil
	job.LastPinged = nil
	job.PinningAt = nil
	job.Progress = models.JobProgress{}
}

// FinishJob records the worker's output reference and moves the job to
// uploading. Pin confirmation arrives later through the upload sweep, not
// here; the pin request itself is fire-and-forget.
func (s *Scheduler) FinishJob(ctx context.Context, jobID, workerID, outputCID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedTo != workerID {
		return ErrNotOwner
	}
	if outputCID == "" {
		return ErrMissingOutput
	}
	if job.Status != models.JobAssigned && job.Status != models.JobRunning {
		return ErrNotOwner
	}

	if err := s.activity.RecordTransition(ctx, job, models.JobUploading, workerID, ""); err != nil {
		s.log.Error("record uploading transition", "job_id", jobID, "err", err)
	}
	job.Status = models.JobUploading
	job.Result = &models.JobResult{CID: outputCID}
	if err := s.store.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	s.publish(job, "")
	s.log.Info("job uploading", "job_id", jobID, "cid", outputCID)

	if s.pins != nil {
		pinCtx := context.WithoutCancel(ctx)
		go func() {
			pinCtx, cancel := context.WithTimeout(pinCtx, 30*time.Second)
			defer cancel()
			if err := s.pins.RequestPin(pinCtx, outputCID, job.ID, job.StorageMetadata); err != nil {
				s.log.Error("request pin", "job_id", job.ID, "cid", outputCID, "err", err)
			}
		}()
	}
	return nil
}

// CreateJob inserts a new queued job. The source size is probed best effort;
// an unreachable source never blocks creation, it only degrades future
// scoring for whoever encodes it.
func (s *Scheduler) CreateJob(ctx context.Context, uri string, metadata map[string]interface{}, storageMetadata map[string]string) (*models.Job, error) {
	var size int64
	if s.probe != nil {
		probed, err := s.probe.HeadSize(ctx, uri)
		if err != nil {
			s.log.Warn("size probe failed", "uri", uri, "err", err)
		} else {
			size = probed
		}
	}

	job := models.Job{
		ID:              uuid.NewString(),
		Status:          models.JobQueued,
		CreatedAt:       s.clock.Now(),
		Input:           models.JobInput{URI: uri, Size: size},
		Metadata:        metadata,
		StorageMetadata: storageMetadata,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.metrics.JobCreated()
	s.publish(&job, "created")
	s.log.Info("job created", "job_id", job.ID, "uri", uri, "size", size)
	return &job, nil
}

// UpdateNode upserts the worker's registry record from its heartbeat.
func (s *Scheduler) UpdateNode(ctx context.Context, workerID string, info models.NodeInfo) error {
	return s.store.UpsertWorker(ctx, workerID, info, s.clock.Now())
}

// GetWorker returns the registry record for a worker identity.
func (s *Scheduler) GetWorker(ctx context.Context, workerID string) (*models.WorkerInfo, error) {
	return s.store.GetWorker(ctx, workerID)
}

// NodeScore exposes one worker's derived score.
func (s *Scheduler) NodeScore(ctx context.Context, workerID string) (models.NodeScore, error) {
	return s.scoring.NodeScore(ctx, workerID)
}

// ScoreMap exposes the global rank table.
func (s *Scheduler) ScoreMap(ctx context.Context) ([]models.NodeScore, error) {
	return s.scoring.ScoreMap(ctx)
}

// NodeJobs lists the jobs a worker currently holds.
func (s *Scheduler) NodeJobs(ctx context.Context, workerID string) ([]models.Job, error) {
	return s.store.JobsByWorker(ctx, workerID)
}

// JobStatus returns a job plus its queue rank. Rank counts positions in the
// queued list sorted newest first, matching what status pages have always
// shown.
func (s *Scheduler) JobStatus(ctx context.Context, jobID string) (models.JobStatusInfo, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.JobStatusInfo{}, err
	}
	info := models.JobStatusInfo{Job: job}
	if job.Status != models.JobQueued {
		return info, nil
	}
	queued, err := s.store.OldestQueued(ctx, 0)
	if err != nil {
		return models.JobStatusInfo{}, fmt.Errorf("job status %s: %w", jobID, err)
	}
	for i := range queued {
		if queued[i].ID == jobID {
			rank := len(queued) - 1 - i
			info.Rank = &rank
			break
		}
	}
	return info, nil
}

// Stats returns the headline job counters.
func (s *Scheduler) Stats(ctx context.Context) (models.GatewayStats, error) {
	dayAgo := s.clock.Now().Add(-24 * time.Hour)
	var stats models.GatewayStats
	var err error
	if stats.TotalEncoded, err = s.store.CountByStatus(ctx, models.JobComplete, time.Time{}); err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	if stats.TotalFailed, err = s.store.CountByStatus(ctx, models.JobFailed, time.Time{}); err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	if stats.TotalEncodedLastDay, err = s.store.CountByStatus(ctx, models.JobComplete, dayAgo); err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	if stats.TotalFailedLastDay, err = s.store.CountByStatus(ctx, models.JobFailed, dayAgo); err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	if stats.TotalQueued, err = s.store.CountByStatus(ctx, models.JobQueued, time.Time{}); err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

func (s *Scheduler) publish(job *models.Job, reason string) {
	s.events.Publish(events.JobUpdate{
		Timestamp:  s.clock.Now(),
		JobID:      job.ID,
		Status:     string(job.Status),
		AssignedTo: job.AssignedTo,
		Reason:     reason,
	})
}
