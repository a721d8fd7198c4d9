package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker()
	all, cancelAll := broker.Subscribe("")
	defer cancelAll()
	one, cancelOne := broker.Subscribe("job-1")
	defer cancelOne()

	broker.Publish(JobUpdate{JobID: "job-1", Status: "assigned"})
	broker.Publish(JobUpdate{JobID: "job-2", Status: "queued"})

	first := <-all
	second := <-all
	assert.Equal(t, "job-1", first.JobID)
	assert.Equal(t, "job-2", second.JobID)

	filtered := <-one
	assert.Equal(t, "job-1", filtered.JobID)
	select {
	case update := <-one:
		t.Fatalf("unexpected update for %s", update.JobID)
	default:
	}
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	broker := NewBroker()
	ch, cancel := broker.Subscribe("")
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel reaches nobody and does not panic.
	broker.Publish(JobUpdate{JobID: "job-1"})
}

func TestBrokerPublishRacesCancel(t *testing.T) {
	broker := NewBroker()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			broker.Publish(JobUpdate{JobID: "job-1", Status: "complete"})
		}
	}()

	// Subscribers come and go while the publisher runs. A cancel landing
	// mid-publish must not leave Publish sending on a closed channel.
	for i := 0; i < 1000; i++ {
		_, cancel := broker.Subscribe("job-1")
		cancel()
	}
	<-done
}

func TestBrokerSlowSubscriberDropsNotBlocks(t *testing.T) {
	broker := NewBroker()
	ch, cancel := broker.Subscribe("")
	defer cancel()

	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		broker.Publish(JobUpdate{JobID: "job-1"})
	}
	// The buffer holds what it holds; the overflow was dropped silently.
	assert.Len(t, ch, defaultSubscriberBuffer)
}

func TestBrokerStampsTimestamp(t *testing.T) {
	broker := NewBroker()
	ch, cancel := broker.Subscribe("")
	defer cancel()

	broker.Publish(JobUpdate{JobID: "job-1"})
	update := <-ch
	require.False(t, update.Timestamp.IsZero())
}
