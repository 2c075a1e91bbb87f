// Package broadcast implements a single-producer/multi-consumer fan-out
// channel (C8) for high-rate producer output (frames, spectrum bands) where
// a slow subscriber must never block the producer or other subscribers.
// Each subscriber gets its own bounded queue; a full queue drops its
// oldest buffered item to make room for the newest one.
package broadcast

import (
	"sync"

	"github.com/wayhost/deskbridge/internal/logging"
)

var log = logging.L("broadcast")

// Topic fans a single producer's values out to any number of subscribers.
type Topic[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	nextID  int
	depth   int
}

// NewTopic creates a Topic whose subscriber queues each hold depth items.
func NewTopic[T any](depth int) *Topic[T] {
	if depth < 1 {
		depth = 1
	}
	return &Topic[T]{subs: make(map[int]chan T), depth: depth}
}

// Subscribe registers a new consumer and returns its queue plus an
// unsubscribe function the consumer must call when done reading.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	ch := make(chan T, t.depth)
	t.subs[id] = ch
	return ch, func() { t.unsubscribe(id) }
}

func (t *Topic[T]) unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}

// Publish sends v to every current subscriber. If a subscriber's queue is
// full, the oldest queued item is dropped to make room — the newest value
// always wins over a slow reader falling behind.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	chans := make([]chan T, 0, len(t.subs))
	for _, ch := range t.subs {
		chans = append(chans, ch)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
				log.Debug("subscriber queue still full after drop-oldest, skipping this publish")
			}
		}
	}
}

// SubscriberCount reports the current number of live subscribers.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
