package event

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Typed is implemented by every event carried on a Feed. The type string
// labels the feed's metrics.
type Typed interface {
	EventType() string
}

// Feed fans events out to subscribers in publish order. Each subscriber owns
// a buffered channel; delivery to one subscriber never reorders relative to
// delivery to another, and a slow subscriber loses events rather than
// blocking the publisher.
type Feed[T Typed] struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]chan T
	buffer int
	closed atomic.Bool
	events *prometheus.CounterVec
}

// newFeedCounter registers the feed's single counter, labelled by event type
// and outcome (published, delivered, dropped). Nil registry means no metrics.
func newFeedCounter(registry *prometheus.Registry) *prometheus.CounterVec {
	if registry == nil {
		return nil
	}
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventfeed_events_total",
			Help: "Feed events by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)
	registry.MustRegister(events)
	return events
}

func (f *Feed[T]) count(eventType, outcome string) {
	if f.events != nil {
		f.events.WithLabelValues(eventType, outcome).Inc()
	}
}

// Subscription detaches one subscriber from its feed.
type Subscription[T Typed] struct {
	feed *Feed[T]
	id   uuid.UUID
	once sync.Once
}

const defaultFeedBuffer = 256

// NewFeed creates a feed whose subscriber channels hold up to buffer events.
// A nil registry disables metrics.
func NewFeed[T Typed](buffer int, registry *prometheus.Registry) *Feed[T] {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &Feed[T]{
		subs:   make(map[uuid.UUID]chan T),
		buffer: buffer,
		events: newFeedCounter(registry),
	}
}

// Subscribe registers a new subscriber and returns its receive channel. The
// channel is closed when the subscription is cancelled or the feed closes.
// Subscribing to a closed feed returns an already-closed channel.
func (f *Feed[T]) Subscribe() (<-chan T, *Subscription[T]) {
	ch := make(chan T, f.buffer)
	sub := &Subscription[T]{feed: f, id: uuid.New()}

	if f.closed.Load() {
		close(ch)
		return ch, sub
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		close(ch)
		return ch, sub
	}
	f.subs[sub.id] = ch
	return ch, sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		ch, ok := s.feed.subs[s.id]
		if ok {
			delete(s.feed.subs, s.id)
		}
		s.feed.mu.Unlock()
		if ok {
			close(ch)
		}
	})
}

// Publish delivers ev to every current subscriber without blocking. A
// subscriber whose buffer is full misses the event; the drop is counted and
// logged, never surfaced to the publisher.
func (f *Feed[T]) Publish(ev T) {
	if f.closed.Load() {
		return
	}

	eventType := ev.EventType()
	f.count(eventType, "published")

	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
			f.count(eventType, "delivered")
		default:
			f.count(eventType, "dropped")
			slog.Warn("event feed subscriber buffer full, dropping event",
				"event_type", eventType,
				"subscriber_id", id,
			)
		}
	}
}

// Close shuts the feed down and closes every subscriber channel. Publishes
// after Close are no-ops; Close is idempotent.
func (f *Feed[T]) Close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
