package eventbus

import (
	"sync"
	"time"
)

// DefaultQueueSize bounds each subscriber's backlog.
const DefaultQueueSize = 256

// Metrics is the optional instrumentation hook.
type Metrics interface {
	EventPublished(eventType string)
	EventDropped()
	SetSubscribers(n int)
}

// Bus fans every published event out to all live subscribers. Each
// subscriber owns a bounded queue; when a slow subscriber's queue fills, the
// bus drops that subscriber's oldest unread events and later delivers an
// EventsDropped marker. Publishing never blocks and one subscriber can never
// affect another.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*subscriber
	nextID    uint64
	queueSize int
	metrics   Metrics
	now       func() time.Time
}

type subscriber struct {
	ch   chan Event
	lost int
}

// Subscription is one observer's view of the bus. Close releases its queue;
// closing one subscription never affects others.
type Subscription struct {
	bus *Bus
	id  uint64
	ch  chan Event

	once sync.Once
}

func New(queueSize int, metrics Metrics) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Subscribe registers a new observer. The caller must eventually Close the
// subscription or its queue leaks.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.queueSize)}
	b.subs[id] = sub
	if b.metrics != nil {
		b.metrics.SetSubscribers(len(b.subs))
	}
	return &Subscription{bus: b, id: id, ch: sub.ch}
}

// Events yields this subscriber's queue in strict publish order. The channel
// is closed when the subscription is.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s.id]; ok {
			delete(b.subs, s.id)
			close(s.ch)
			if b.metrics != nil {
				b.metrics.SetSubscribers(len(b.subs))
			}
		}
	})
}

// Publish delivers e to every current subscriber. Per-subscriber FIFO is
// preserved; delivery timing across subscribers is unspecified.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.EventPublished(string(e.EventType()))
	}
	for _, sub := range b.subs {
		if sub.lost > 0 {
			// Tell the subscriber it missed events before handing it the
			// next one, but only if the marker fits without displacing it.
			marker := EventsDropped{Time: b.now(), Count: sub.lost}
			select {
			case sub.ch <- marker:
				sub.lost = 0
			default:
			}
		}
		b.offer(sub, e)
	}
}

func (b *Bus) offer(sub *subscriber, e Event) {
	select {
	case sub.ch <- e:
		return
	default:
	}
	// Queue full: discard this subscriber's oldest unread event and retry.
	select {
	case <-sub.ch:
		sub.lost++
		if b.metrics != nil {
			b.metrics.EventDropped()
		}
	default:
	}
	select {
	case sub.ch <- e:
	default:
		sub.lost++
		if b.metrics != nil {
			b.metrics.EventDropped()
		}
	}
}
