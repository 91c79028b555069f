package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueuePublishAndReceive(t *testing.T) {
	q := NewQueue(4)
	assert.True(t, q.Publish(Event{Type: EventStepStarted, StepID: "s1"}))

	e := <-q.Events()
	assert.Equal(t, EventStepStarted, e.Type)
	assert.False(t, e.Timestamp.IsZero())
}

func TestQueueDropsOnOverflow(t *testing.T) {
	q := NewQueue(2)
	assert.True(t, q.Publish(Event{}))
	assert.True(t, q.Publish(Event{}))
	assert.False(t, q.Publish(Event{}))
	assert.Equal(t, int64(1), q.Dropped())

	// Buffered events survive the overflow
	<-q.Events()
	assert.True(t, q.Publish(Event{}))
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	q := NewQueue(2)
	q.Publish(Event{})
	q.Close()
	q.Close()

	// Buffered event still delivered, then channel closes
	_, ok := <-q.Events()
	assert.True(t, ok)
	_, ok = <-q.Events()
	assert.False(t, ok)

	assert.False(t, q.Publish(Event{}))
	assert.Equal(t, int64(1), q.Dropped())
}
