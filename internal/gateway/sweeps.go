package gateway

import (
	"context"
	"fmt"
	"time"

	"encoder-gateway/pkg/models"
)

// ReassignStale is the failure-detection sweep and the only mechanism that
// takes work away from a dead worker: there is no explicit leave protocol,
// heartbeat silence is the signal. A failure on one job is logged and the
// pass moves on; it never aborts the sweep.
func (s *Scheduler) ReassignStale(ctx context.Context) error {
	start := time.Now()
	defer func() { s.metrics.ObserveSweep("reassign", time.Since(start).Seconds()) }()

	now := s.clock.Now()
	expired, err := s.store.ExpiredJobs(ctx,
		now.Add(-s.policy.LivenessThreshold),
		now.Add(-s.policy.UploadStallThreshold),
	)
	if err != nil {
		return fmt.Errorf("reassign sweep: %w", err)
	}

	for i := range expired {
		job := expired[i]
		holder := job.AssignedTo
		if err := s.reassign(ctx, &job); err != nil {
			s.log.Error("reassign job", "job_id", job.ID, "err", err)
			continue
		}
		s.log.Info("job reassigned", "job_id", job.ID, "from", holder)
	}
	return nil
}

func (s *Scheduler) reassign(ctx context.Context, job *models.Job) error {
	// The transition is attributed to the silent worker so the scoring
	// engine can hold it against them.
	if err := s.activity.RecordTransition(ctx, job, models.JobQueued, job.AssignedTo, "reassigned"); err != nil {
		s.log.Error("record reassign transition", "job_id", job.ID, "err", err)
	}
	job.Status = models.JobQueued
	clearAssignment(job)
	job.ReassignCount++
	if err := s.store.UpdateJob(ctx, *job); err != nil {
		return err
	}
	s.metrics.JobReassigned()
	s.publish(job, "reassigned")
	return nil
}

// ConfirmUploads polls the storage collaborator for every uploading job.
// Pinned outputs complete the job; actively pinning ones get their stall
// timer started from first observation; anything else gets the pin request
// re-issued, which the collaborator guarantees is idempotent.
func (s *Scheduler) ConfirmUploads(ctx context.Context) error {
	start := time.Now()
	defer func() { s.metrics.ObserveSweep("confirm", time.Since(start).Seconds()) }()

	if s.pins == nil {
		return nil
	}
	uploading, err := s.store.UploadingJobs(ctx)
	if err != nil {
		return fmt.Errorf("confirm sweep: %w", err)
	}

	for i := range uploading {
		job := uploading[i]
		if job.Result == nil || job.Result.CID == "" {
			s.log.Warn("uploading job has no result reference", "job_id", job.ID)
			continue
		}
		state, err := s.pins.PinStatus(ctx, job.Result.CID)
		if err != nil {
			s.log.Error("pin status", "job_id", job.ID, "cid", job.Result.CID, "err", err)
			continue
		}

		switch {
		case state.Pinned:
			if err := s.complete(ctx, &job); err != nil {
				s.log.Error("complete job", "job_id", job.ID, "err", err)
			}
		case state.Pinning:
			// Stamp once: the stall timer runs from first observed
			// pinning, not from upload time.
			if job.PinningAt == nil {
				now := s.clock.Now()
				job.PinningAt = &now
				if err := s.store.UpdateJob(ctx, job); err != nil {
					s.log.Error("stamp pinning_at", "job_id", job.ID, "err", err)
				}
			}
		default:
			if err := s.pins.RequestPin(ctx, job.Result.CID, job.ID, job.StorageMetadata); err != nil {
				s.log.Error("re-request pin", "job_id", job.ID, "cid", job.Result.CID, "err", err)
			}
		}
	}
	return nil
}

func (s *Scheduler) complete(ctx context.Context, job *models.Job) error {
	if err := s.activity.RecordTransition(ctx, job, models.JobComplete, job.AssignedTo, ""); err != nil {
		s.log.Error("record complete transition", "job_id", job.ID, "err", err)
	}
	now := s.clock.Now()
	job.Status = models.JobComplete
	job.CompletedAt = &now
	job.PinningAt = nil
	if err := s.store.UpdateJob(ctx, *job); err != nil {
		return err
	}
	s.metrics.JobCompleted()
	s.publish(job, "")
	s.log.Info("job complete", "job_id", job.ID, "worker", job.AssignedTo, "cid", job.Result.CID)
	return nil
}
