package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"encoder-gateway/pkg/models"
)

func queuedJob(id string, created time.Time) models.Job {
	return models.Job{
		ID:        id,
		Status:    models.JobQueued,
		CreatedAt: created,
		Input:     models.JobInput{URI: "https://origin/" + id + ".mp4", Size: 1000},
	}
}

func TestClaimJob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateJob(ctx, queuedJob("job-1", base)))

	claimed, err := m.ClaimJob(ctx, "job-1", "worker-a", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.JobAssigned, claimed.Status)
	assert.Equal(t, "worker-a", claimed.AssignedTo)
	require.NotNil(t, claimed.AssignedDate)
	require.NotNil(t, claimed.LastPinged)

	_, err = m.ClaimJob(ctx, "job-1", "worker-b", base.Add(time.Minute))
	assert.ErrorIs(t, err, ErrNotQueued)

	_, err = m.ClaimJob(ctx, "missing", "worker-a", base)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOldestQueuedOrderAndLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateJob(ctx, queuedJob("job-b", base.Add(time.Minute))))
	require.NoError(t, m.CreateJob(ctx, queuedJob("job-a", base)))
	require.NoError(t, m.CreateJob(ctx, queuedJob("job-c", base.Add(2*time.Minute))))

	all, err := m.OldestQueued(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "job-a", all[0].ID)
	assert.Equal(t, "job-c", all[2].ID)

	limited, err := m.OldestQueued(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "job-a", limited[0].ID)
	assert.Equal(t, "job-b", limited[1].ID)
}

func TestExpiredJobs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stalePing := base.Add(-2 * time.Minute)
	freshPing := base.Add(-10 * time.Second)
	stalePin := base.Add(-time.Hour)

	jobs := []models.Job{
		{ID: "stale-assigned", Status: models.JobAssigned, AssignedTo: "w", LastPinged: &stalePing},
		{ID: "fresh-running", Status: models.JobRunning, AssignedTo: "w", LastPinged: &freshPing},
		{ID: "stuck-upload", Status: models.JobUploading, AssignedTo: "w", PinningAt: &stalePin},
		{ID: "fresh-upload", Status: models.JobUploading, AssignedTo: "w"},
		{ID: "idle-queued", Status: models.JobQueued},
	}
	for _, job := range jobs {
		require.NoError(t, m.CreateJob(ctx, job))
	}

	expired, err := m.ExpiredJobs(ctx, base.Add(-time.Minute), base.Add(-40*time.Minute))
	require.NoError(t, err)
	ids := make([]string, len(expired))
	for i, job := range expired {
		ids[i] = job.ID
	}
	assert.ElementsMatch(t, []string{"stale-assigned", "stuck-upload"}, ids)
}

func TestCountLoad(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.CreateJob(ctx, models.Job{ID: "j1", Status: models.JobAssigned, AssignedTo: "w"}))
	require.NoError(t, m.CreateJob(ctx, models.Job{ID: "j2", Status: models.JobRunning, AssignedTo: "w"}))
	require.NoError(t, m.CreateJob(ctx, models.Job{ID: "j3", Status: models.JobUploading, AssignedTo: "w"}))
	require.NoError(t, m.CreateJob(ctx, models.Job{ID: "j4", Status: models.JobComplete, AssignedTo: "w", CompletedAt: &completed}))
	require.NoError(t, m.CreateJob(ctx, models.Job{ID: "j5", Status: models.JobRunning, AssignedTo: "other"}))

	load, err := m.CountLoad(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 2, load)
}

func TestCompletedSinceFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	since := now.Add(-7 * 24 * time.Hour)

	inWindow := now.Add(-time.Hour)
	outOfWindow := now.Add(-8 * 24 * time.Hour)
	done := now.Add(-30 * time.Minute)

	require.NoError(t, m.CreateJob(ctx, models.Job{
		ID: "counted", Status: models.JobComplete, AssignedTo: "w",
		AssignedDate: &inWindow, CompletedAt: &done,
		Input: models.JobInput{Size: 100},
	}))
	require.NoError(t, m.CreateJob(ctx, models.Job{
		ID: "too-old", Status: models.JobComplete, AssignedTo: "w",
		AssignedDate: &outOfWindow, CompletedAt: &done,
		Input: models.JobInput{Size: 100},
	}))
	require.NoError(t, m.CreateJob(ctx, models.Job{
		ID: "no-size", Status: models.JobComplete, AssignedTo: "w",
		AssignedDate: &inWindow, CompletedAt: &done,
	}))
	require.NoError(t, m.CreateJob(ctx, models.Job{
		ID: "other-worker", Status: models.JobComplete, AssignedTo: "x",
		AssignedDate: &inWindow, CompletedAt: &done,
		Input: models.JobInput{Size: 100},
	}))

	completed, err := m.CompletedSince(ctx, "w", since)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "counted", completed[0].ID)
}

func TestUpsertWorkerPreservesFirstSeen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := first.Add(3 * time.Hour)

	require.NoError(t, m.UpsertWorker(ctx, "w", models.NodeInfo{Name: "one"}, first))
	require.NoError(t, m.UpsertWorker(ctx, "w", models.NodeInfo{Name: "two"}, later))

	worker, err := m.GetWorker(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, first, worker.FirstSeen)
	assert.Equal(t, later, worker.LastSeen)
	assert.Equal(t, "two", worker.Info.Name)

	_, err = m.GetWorker(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDistinctActivityQueries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	since := now.Add(-7 * 24 * time.Hour)

	record := func(jobID string, prev, status models.JobStatus, at time.Time) {
		require.NoError(t, m.AppendActivity(ctx, models.ActivityRecord{
			JobID: jobID, PreviousStatus: prev, Status: status,
			Date: at, AssignedTo: "w",
		}))
	}

	// job-a assigned twice: still one distinct job.
	record("job-a", models.JobQueued, models.JobAssigned, now.Add(-3*time.Hour))
	record("job-a", models.JobRunning, models.JobQueued, now.Add(-2*time.Hour))
	record("job-a", models.JobQueued, models.JobAssigned, now.Add(-time.Hour))
	record("job-b", models.JobQueued, models.JobAssigned, now.Add(-time.Hour))

	jobs, err := m.DistinctJobs(ctx, "w", since)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-a", "job-b"}, jobs)

	reassigned, err := m.DistinctReassigned(ctx, "w", since)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a"}, reassigned)

	workers, err := m.DistinctWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, workers)
}

func TestCountByStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	old := now.Add(-48 * time.Hour)

	require.NoError(t, m.CreateJob(ctx, models.Job{ID: "c1", Status: models.JobComplete, CompletedAt: &recent}))
	require.NoError(t, m.CreateJob(ctx, models.Job{ID: "c2", Status: models.JobComplete, CompletedAt: &old}))
	require.NoError(t, m.CreateJob(ctx, models.Job{ID: "q1", Status: models.JobQueued, CreatedAt: recent}))

	total, err := m.CountByStatus(ctx, models.JobComplete, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	lastDay, err := m.CountByStatus(ctx, models.JobComplete, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), lastDay)
}
