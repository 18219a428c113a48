package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_DeliversAndClosesOnTerminal(t *testing.T) {
	b := NewBroker(4)
	ch, release := b.Subscribe("job-1")
	defer release()

	b.Publish(Event{JobID: "job-1", Status: StatusProcessing})
	b.Publish(Event{JobID: "job-2", Status: StatusProcessing})
	b.Publish(Event{JobID: "job-1", Status: StatusSucceeded})

	var got []Status
	for e := range ch {
		got = append(got, e.Status)
	}
	assert.Equal(t, []Status{StatusProcessing, StatusSucceeded}, got)
	assert.Equal(t, 0, b.Subscribers("job-1"))
}

func TestBroker_TerminalEventSurvivesFullBuffer(t *testing.T) {
	b := NewBroker(1)
	ch, _ := b.Subscribe("job-1")

	b.Publish(Event{JobID: "job-1", Status: StatusPending})
	b.Publish(Event{JobID: "job-1", Status: StatusProcessing})
	b.Publish(Event{JobID: "job-1", Status: StatusFailed})

	var last Event
	for e := range ch {
		last = e
	}
	assert.Equal(t, StatusFailed, last.Status)
}

func TestBroker_ReleaseIsIdempotent(t *testing.T) {
	b := NewBroker(0)
	ch, release := b.Subscribe("job-1")
	require.Equal(t, 1, b.Subscribers("job-1"))

	release()
	release()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers("job-1"))

	// Publishing after release must not panic.
	b.Publish(Event{JobID: "job-1", Status: StatusSucceeded})
}
