package gateway

import (
	"context"
	"fmt"

	"github.com/WatchBeam/clock"

	"encoder-gateway/internal/store"
	"encoder-gateway/pkg/models"
)

// ActivityLog appends one ledger row per job state transition. It is the
// sole write path into the activity collection; rows are never mutated.
type ActivityLog struct {
	store store.ActivityStore
	clock clock.Clock
}

func NewActivityLog(st store.ActivityStore, c clock.Clock) *ActivityLog {
	if c == nil {
		c = clock.C
	}
	return &ActivityLog{store: st, clock: c}
}

// RecordTransition appends a row for job moving to newStatus. Duration and
// previous_status come from the job's latest prior row, falling back to the
// job's creation time and stored status for the first transition. The caller
// passes the job as read before applying the store write, so this is
// read-then-append and does not need to be transactional with the job
// update; the scoring reads tolerate that.
func (a *ActivityLog) RecordTransition(ctx context.Context, job *models.Job, newStatus models.JobStatus, assignedTo, reason string) error {
	now := a.clock.Now()

	last, err := a.store.LastActivity(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("read last activity for %s: %w", job.ID, err)
	}

	rec := models.ActivityRecord{
		JobID:      job.ID,
		Status:     newStatus,
		Date:       now,
		AssignedTo: assignedTo,
		Meta:       models.ActivityMeta{Reason: reason},
	}
	if last != nil {
		rec.PreviousStatus = last.Status
		rec.Duration = now.Sub(last.Date).Seconds()
	} else {
		rec.PreviousStatus = job.Status
		rec.Duration = now.Sub(job.CreatedAt).Seconds()
	}

	if err := a.store.AppendActivity(ctx, rec); err != nil {
		return fmt.Errorf("append activity for %s: %w", job.ID, err)
	}
	return nil
}
