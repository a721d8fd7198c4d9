package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"encoder-gateway/pkg/models"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and single-node
// deployments where durability is not required. ClaimJob's conditional write
// happens under the same mutex as every other mutation, which gives it the
// at-most-one-winner guarantee the scheduler relies on.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	workers  map[string]models.WorkerInfo
	activity []models.ActivityRecord
}

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]models.Job),
		workers: make(map[string]models.WorkerInfo),
	}
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (m *Memory) UpdateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) ClaimJob(_ context.Context, id, workerID string, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != models.JobQueued {
		return nil, ErrNotQueued
	}
	job.Status = models.JobAssigned
	job.AssignedTo = workerID
	job.AssignedDate = &now
	pinged := now
	job.LastPinged = &pinged
	m.jobs[id] = job
	return &job, nil
}

func (m *Memory) OldestQueued(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var queued []models.Job
	for _, job := range m.jobs {
		if job.Status == models.JobQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

func (m *Memory) ExpiredJobs(_ context.Context, pingCutoff, pinCutoff time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []models.Job
	for _, job := range m.jobs {
		switch job.Status {
		case models.JobAssigned, models.JobRunning:
			if job.LastPinged != nil && job.LastPinged.Before(pingCutoff) {
				expired = append(expired, job)
			}
		case models.JobUploading:
			if job.PinningAt != nil && job.PinningAt.Before(pinCutoff) {
				expired = append(expired, job)
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	return expired, nil
}

func (m *Memory) UploadingJobs(_ context.Context) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uploading []models.Job
	for _, job := range m.jobs {
		if job.Status == models.JobUploading {
			uploading = append(uploading, job)
		}
	}
	sort.Slice(uploading, func(i, j int) bool {
		return uploading[i].CreatedAt.Before(uploading[j].CreatedAt)
	})
	return uploading, nil
}

func (m *Memory) JobsByWorker(_ context.Context, workerID string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var held []models.Job
	for _, job := range m.jobs {
		if job.AssignedTo == workerID && job.Status.Held() {
			held = append(held, job)
		}
	}
	sort.Slice(held, func(i, j int) bool {
		return held[i].CreatedAt.Before(held[j].CreatedAt)
	})
	return held, nil
}

func (m *Memory) CountLoad(_ context.Context, workerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, job := range m.jobs {
		if job.AssignedTo == workerID &&
			(job.Status == models.JobAssigned || job.Status == models.JobRunning) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CompletedSince(_ context.Context, workerID string, since time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var completed []models.Job
	for _, job := range m.jobs {
		if job.Status != models.JobComplete || job.AssignedTo != workerID {
			continue
		}
		if job.AssignedDate == nil || !job.AssignedDate.After(since) {
			continue
		}
		if job.CompletedAt == nil || job.Input.Size <= 0 {
			continue
		}
		completed = append(completed, job)
	}
	return completed, nil
}

func (m *Memory) CountByStatus(_ context.Context, status models.JobStatus, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, job := range m.jobs {
		if job.Status != status {
			continue
		}
		if !since.IsZero() {
			switch status {
			case models.JobComplete:
				if job.CompletedAt == nil || !job.CompletedAt.After(since) {
					continue
				}
			default:
				if !job.CreatedAt.After(since) {
					continue
				}
			}
		}
		count++
	}
	return count, nil
}

func (m *Memory) UpsertWorker(_ context.Context, id string, info models.NodeInfo, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[id]
	if !ok {
		worker = models.WorkerInfo{ID: id, FirstSeen: now}
	}
	worker.Info = info
	worker.LastSeen = now
	m.workers[id] = worker
	return nil
}

func (m *Memory) GetWorker(_ context.Context, id string) (*models.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &worker, nil
}

// SetBanned flips the operator ban flag. Exposed on the memory store for
// tests; in a Mongo deployment operators toggle the flag directly.
func (m *Memory) SetBanned(id string, banned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[id]
	if !ok {
		return
	}
	worker.Banned = banned
	m.workers[id] = worker
}

func (m *Memory) AppendActivity(_ context.Context, rec models.ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, rec)
	return nil
}

func (m *Memory) LastActivity(_ context.Context, jobID string) (*models.ActivityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *models.ActivityRecord
	for i := range m.activity {
		rec := m.activity[i]
		if rec.JobID != jobID {
			continue
		}
		if last == nil || !rec.Date.Before(last.Date) {
			last = &rec
		}
	}
	return last, nil
}

func (m *Memory) DistinctWorkers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var workers []string
	for _, rec := range m.activity {
		if rec.AssignedTo == "" {
			continue
		}
		if _, ok := seen[rec.AssignedTo]; ok {
			continue
		}
		seen[rec.AssignedTo] = struct{}{}
		workers = append(workers, rec.AssignedTo)
	}
	sort.Strings(workers)
	return workers, nil
}

func (m *Memory) DistinctJobs(_ context.Context, workerID string, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var jobs []string
	for _, rec := range m.activity {
		if rec.AssignedTo != workerID || !rec.Date.After(since) {
			continue
		}
		if _, ok := seen[rec.JobID]; ok {
			continue
		}
		seen[rec.JobID] = struct{}{}
		jobs = append(jobs, rec.JobID)
	}
	return jobs, nil
}

func (m *Memory) DistinctReassigned(_ context.Context, workerID string, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var jobs []string
	for _, rec := range m.activity {
		if rec.AssignedTo != workerID || !rec.Date.After(since) {
			continue
		}
		if rec.Status != models.JobQueued || !rec.PreviousStatus.Held() {
			continue
		}
		if _, ok := seen[rec.JobID]; ok {
			continue
		}
		seen[rec.JobID] = struct{}{}
		jobs = append(jobs, rec.JobID)
	}
	return jobs, nil
}

var _ Store = (*Memory)(nil)
