package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

// Observer feeds.
const (
	FeedTabs     = "tabs"
	FeedCommands = "commands"
	FeedPages    = "pages"
)

// Event is one observer notification sent via SSE.
type Event struct {
	ID      int64
	Feed    string
	Payload string
}

// Broker fans out broadcasts and command outcomes to observers. It is
// best-effort like page delivery: slow subscribers lose events.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	seq         atomic.Int64
	published   atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers an observer and returns its id and event channel.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes an observer and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish stamps evt with the next sequence number and offers it to every
// observer without blocking.
func (b *Broker) Publish(evt Event) {
	evt.ID = b.seq.Add(1)
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishJSON encodes v and publishes it on feed.
func (b *Broker) PublishJSON(feed string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.Publish(Event{Feed: feed, Payload: string(data)})
	return nil
}

func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Published returns the number of events published so far.
func (b *Broker) Published() int64 { return b.published.Load() }
