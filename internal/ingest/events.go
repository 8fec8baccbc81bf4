package ingest

import (
	"sync"
	"time"

	"github.com/lab-analyzer/backend/internal/models"
)

// StatusEvent announces that an experiment reached a status.
type StatusEvent struct {
	ExperimentID string                  `json:"experimentId"`
	Status       models.ExperimentStatus `json:"status"`
	At           time.Time               `json:"at"`
}

const subscriberBuffer = 4

// Broadcaster fans status events out to per-experiment subscribers.
// A subscriber that does not keep up misses events rather than blocking
// the pipeline; it can always re-read the experiment.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan StatusEvent]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan StatusEvent]struct{})}
}

// Subscribe returns a channel of events for id and a func that ends the
// subscription and closes the channel.
func (b *Broadcaster) Subscribe(id string) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan StatusEvent]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[id], ch)
			if len(b.subs[id]) == 0 {
				delete(b.subs, id)
			}
			close(ch)
		})
	}
}

// Publish delivers ev to every current subscriber of its experiment.
func (b *Broadcaster) Publish(ev StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.ExperimentID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions for id.
func (b *Broadcaster) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}
