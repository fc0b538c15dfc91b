// Package eventbus is the Event Bus (spec.md section 4.6): cursored fan-out
// with bounded replay and subscriber queues, grounded on the studio
// backend's internal/events/store.go sequence-number modeling and
// internal/websocket/campaign_state_service.go fan-out idiom, adapted from a
// DB-backed log to an in-memory ring since this gateway is single-process
// (spec section 5).
package eventbus

import (
	"sync"

	"github.com/lanhue/gateway/internal/model"
)

type entry struct {
	cursor int64
	event  model.Event
}

// Subscription is a bounded per-subscriber delivery queue.
type Subscription struct {
	id      int64
	Events  chan model.Event
	bus     *Bus
}

// Unsubscribe removes the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus implements the cursor ring buffer and subscriber fan-out.
type Bus struct {
	mu            sync.Mutex
	cursor        int64
	ring          []entry
	ringCapacity  int
	subs          map[int64]*Subscription
	nextSubID     int64
	queueCapacity int
}

// New creates a bus with the given ring and subscriber-queue capacities
// (spec.md section 4.6 defaults: 500 and 200).
func New(ringCapacity, queueCapacity int) *Bus {
	return &Bus{
		ringCapacity:  ringCapacity,
		queueCapacity: queueCapacity,
		subs:          make(map[int64]*Subscription),
	}
}

// Subscribe registers a new bounded queue.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	sub := &Subscription{
		id:     b.nextSubID,
		Events: make(chan model.Event, b.queueCapacity),
		bus:    b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.Events)
		delete(b.subs, id)
	}
}

// AllocateCursor reserves a cursor without publishing, used for synthetic
// needs_resync frames (spec.md section 4.6).
func (b *Bus) AllocateCursor() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor++
	return b.cursor
}

// Publish assigns the next cursor, appends to the ring, and fans out to
// every subscriber without ever blocking: a full subscriber queue drops its
// oldest entry before enqueuing the new one (spec.md section 4.6).
func (b *Bus) Publish(event model.Event) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cursor++
	event.EventID = b.cursor
	e := entry{cursor: b.cursor, event: event}
	b.ring = append(b.ring, e)
	if len(b.ring) > b.ringCapacity {
		b.ring = b.ring[len(b.ring)-b.ringCapacity:]
	}

	for _, sub := range b.subs {
		enqueue(sub.Events, event)
	}
	return b.cursor
}

// PublishAllocated publishes an event at a pre-allocated cursor (used when a
// cursor was reserved via AllocateCursor for a synthetic frame that must
// still occupy a cursor slot ahead of live events).
func (b *Bus) PublishAllocated(cursor int64, event model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	event.EventID = cursor
	e := entry{cursor: cursor, event: event}
	b.ring = append(b.ring, e)
	if len(b.ring) > b.ringCapacity {
		b.ring = b.ring[len(b.ring)-b.ringCapacity:]
	}
	for _, sub := range b.subs {
		enqueue(sub.Events, event)
	}
}

func enqueue(ch chan model.Event, event model.Event) {
	for {
		select {
		case ch <- event:
			return
		default:
			select {
			case <-ch:
			default:
				return
			}
		}
	}
}

// ReplayResult distinguishes "replayed some events", "ring empty", and
// "cursor evicted, caller must resync" (spec.md section 4.6).
type ReplayResult struct {
	Events    []model.Event
	Evicted   bool // true => caller must emit needs_resync
}

// ReplayFrom returns events with cursor > lastCursor, or signals eviction if
// lastCursor fell out of the ring (spec.md section 4.6's replay_from).
func (b *Bus) ReplayFrom(lastCursor int64) ReplayResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) == 0 {
		return ReplayResult{Events: nil, Evicted: false}
	}
	oldest := b.ring[0].cursor
	if lastCursor < oldest-1 {
		return ReplayResult{Evicted: true}
	}
	var out []model.Event
	for _, e := range b.ring {
		if e.cursor > lastCursor {
			out = append(out, e.event)
		}
	}
	return ReplayResult{Events: out}
}

// CurrentCursor returns the most recently assigned cursor.
func (b *Bus) CurrentCursor() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}
