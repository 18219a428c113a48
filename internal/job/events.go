package job

import (
	"sync"
	"time"

	"github.com/maauso/clipchain-api/internal/generator"
	"github.com/maauso/clipchain-api/internal/generr"
)

// Event is one progress notification for a job.
type Event struct {
	JobID         string          `json:"job_id"`
	ChainID       string          `json:"chain_id,omitempty"`
	Index         int             `json:"index"`
	Status        Status          `json:"status"`
	ProviderState generator.State `json:"provider_state,omitempty"`
	ArtifactPath  string          `json:"artifact_path,omitempty"`
	Cached        bool            `json:"cached,omitempty"`
	Error         *generr.Public  `json:"error,omitempty"`
	At            time.Time       `json:"at"`
}

// EventOf snapshots j as an Event.
func EventOf(j *Job) Event {
	c := j.Clone()
	return Event{
		JobID:         c.ID,
		ChainID:       c.ChainID,
		Index:         c.Index,
		Status:        c.Status,
		ProviderState: c.ProviderState,
		ArtifactPath:  c.ArtifactPath,
		Cached:        c.Cached,
		Error:         c.Error,
		At:            c.UpdatedAt,
	}
}

// Broker fans job events out to subscribers. Publishing never blocks: a
// subscriber that does not keep up misses intermediate events. Subscriptions
// are closed after the job's terminal event.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

// NewBroker creates a Broker with the given per-subscriber buffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subs: make(map[string]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events for jobID and a function that
// releases the subscription.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[jobID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, jobID)
				}
			}
		})
	}
}

// Publish delivers e to the job's subscribers.
func (b *Broker) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[e.JobID]
	for ch := range set {
		select {
		case ch <- e:
		default:
			if e.Status.IsTerminal() {
				// Make room so the terminal event is never lost.
				select {
				case <-ch:
				default:
				}
				ch <- e
			}
		}
	}
	if e.Status.IsTerminal() {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, e.JobID)
	}
}

// Subscribers returns the number of live subscriptions for jobID.
func (b *Broker) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
