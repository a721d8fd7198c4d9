package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/WatchBeam/clock"

	"encoder-gateway/internal/store"
	"encoder-gateway/pkg/models"
)

const (
	// scoreWindow is the trailing period history is scored over.
	scoreWindow = 7 * 24 * time.Hour

	// lowPrecisionMin is the assignment count below which a score is flagged
	// low precision and the worker gets the benefit of the doubt.
	lowPrecisionMin = 15
)

// Scoring is the pure read-side computation over the job store and activity
// ledger. It holds no mutable state and is recomputed on every scheduling
// decision; the trailing window keeps that cheap.
type Scoring struct {
	store store.Store
	clock clock.Clock
}

func NewScoring(st store.Store, c clock.Clock) *Scoring {
	if c == nil {
		c = clock.C
	}
	return &Scoring{store: st, clock: c}
}

// NodeScore computes one worker's score over the trailing window. A worker
// with no usable completions has ByteRate zero (undefined); a worker with no
// assignments at all has ReassignRate zero rather than a division fault.
func (s *Scoring) NodeScore(ctx context.Context, nodeID string) (models.NodeScore, error) {
	since := s.clock.Now().Add(-scoreWindow)

	jobIDs, err := s.store.DistinctJobs(ctx, nodeID, since)
	if err != nil {
		return models.NodeScore{}, fmt.Errorf("score %s: %w", nodeID, err)
	}
	reassigned, err := s.store.DistinctReassigned(ctx, nodeID, since)
	if err != nil {
		return models.NodeScore{}, fmt.Errorf("score %s: %w", nodeID, err)
	}
	completed, err := s.store.CompletedSince(ctx, nodeID, since)
	if err != nil {
		return models.NodeScore{}, fmt.Errorf("score %s: %w", nodeID, err)
	}
	load, err := s.store.CountLoad(ctx, nodeID)
	if err != nil {
		return models.NodeScore{}, fmt.Errorf("score %s: %w", nodeID, err)
	}

	score := models.NodeScore{
		NodeID:         nodeID,
		JobsTotal:      len(jobIDs),
		JobsReassigned: len(reassigned),
		LowPrecision:   len(jobIDs) < lowPrecisionMin,
		Load:           load,
	}
	if score.JobsTotal > 0 {
		score.ReassignRate = float64(score.JobsReassigned) / float64(score.JobsTotal)
	}

	// Per-job throughput averaged across jobs, not a single ratio of sums:
	// a worker is rated by how fast it typically moves one job.
	var rateSum float64
	var rated int
	for _, job := range completed {
		if job.AssignedDate == nil || job.CompletedAt == nil || job.Input.Size <= 0 {
			continue
		}
		seconds := job.CompletedAt.Sub(*job.AssignedDate).Seconds()
		if seconds <= 0 {
			continue
		}
		rateSum += float64(job.Input.Size) / seconds
		rated++
	}
	if rated > 0 {
		score.ByteRate = rateSum / float64(rated)
	}
	return score, nil
}

// ScoreMap computes the global rank table: a score for every worker that
// appears in the ledger, sorted by byte rate descending, with each worker's
// share of the aggregate byte rate filled in. An empty ledger yields an
// empty table.
func (s *Scoring) ScoreMap(ctx context.Context) ([]models.NodeScore, error) {
	workers, err := s.store.DistinctWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("score map: %w", err)
	}

	scores := make([]models.NodeScore, 0, len(workers))
	var aggregate float64
	for _, id := range workers {
		score, err := s.NodeScore(ctx, id)
		if err != nil {
			return nil, err
		}
		aggregate += score.ByteRate
		scores = append(scores, score)
	}
	if aggregate > 0 {
		for i := range scores {
			scores[i].ByteRateShare = scores[i].ByteRate / aggregate
		}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].ByteRate > scores[j].ByteRate
	})
	return scores, nil
}
