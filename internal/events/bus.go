package events

import (
	"sort"
	"sync"
	"time"
)

// Event is one progress notice published by a running job.
type Event struct {
	Topic    string    `json:"topic"`
	Fraction float64   `json:"fraction"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Bus provides simple in-process pub/sub for observability.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	latest map[string]Event
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}, latest: map[string]Event{}}
}

// Subscribe returns a buffered feed and a func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish records ev as the latest for its topic and fans it out.
// Slow subscribers drop events.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[ev.Topic] = ev
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Latest returns the last event of every topic, ordered by topic.
func (b *Bus) Latest() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.latest))
	for _, ev := range b.latest {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
