// Package events carries job state transitions to in-process listeners over
// explicit per-subscriber channels. Nothing here blocks the scheduler: slow
// subscribers drop updates rather than stalling a transition.
package events

import (
	"sync"
	"time"
)

const defaultSubscriberBuffer = 50

// JobUpdate is published once per job state transition.
type JobUpdate struct {
	Timestamp  time.Time `json:"ts"`
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Publisher is the write side the scheduler holds.
type Publisher interface {
	Publish(JobUpdate)
}

// NoopPublisher satisfies Publisher when nobody listens.
type NoopPublisher struct{}

func (NoopPublisher) Publish(JobUpdate) {}

// Broker fans updates out to subscribers. A subscriber may filter to a single
// job id, which is how a worker's update loop follows only its own job.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]subscription
	nextID int
}

type subscription struct {
	ch    chan JobUpdate
	jobID string // empty subscribes to everything
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]subscription)}
}

func (b *Broker) Publish(update JobUpdate) {
	if b == nil {
		return
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	// Deliveries stay under the lock so a cancel cannot close a channel
	// between snapshot and send. Sends never block, so this is cheap.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != update.JobID {
			continue
		}
		select {
		case sub.ch <- update:
		default:
		}
	}
}

// Subscribe registers a listener for one job id (or all jobs when jobID is
// empty) and returns the channel plus a cancel func that must be called to
// release it.
func (b *Broker) Subscribe(jobID string) (<-chan JobUpdate, func()) {
	ch := make(chan JobUpdate, defaultSubscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{ch: ch, jobID: jobID}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}
