// Package stream provides the small set of channel primitives the BLE core
// publishes its state through: an overwrite-oldest ring channel, a fan-out
// broadcaster, a replay-latest relay and a debounce stage.
package stream

import (
	"sync"
)

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 16

// Broadcaster fans every published value out to all current subscribers.
// Slow subscribers lose their oldest values instead of blocking the
// publisher.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*RingChannel[T]
	next   uint64
	buffer int
	closed bool
	// overwritten by subscribers that are gone
	overwritten int64
}

// NewBroadcaster creates a Broadcaster with the given per-subscriber buffer.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{
		subs:   make(map[uint64]*RingChannel[T]),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes its channel. Subscribing to a closed broadcaster returns an
// already closed channel.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeWith(0)
}

// SubscribeWith registers a subscriber whose buffer holds at least buffer
// values and queues replay to it ahead of anything published later.
// Replayed values are delivered only to this subscriber.
func (b *Broadcaster[T]) SubscribeWith(buffer int, replay ...T) (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rc, cancel := b.subscribeLocked(max(buffer, len(replay)+b.buffer, b.buffer))
	for _, v := range replay {
		rc.Send(v)
	}
	return rc.C(), cancel
}

func (b *Broadcaster[T]) subscribeLocked(buffer int) (*RingChannel[T], func()) {
	rc := NewRingChannel[T](buffer)
	if b.closed {
		rc.Close()
		return rc, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = rc
	return rc, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			b.removeLocked(id, sub)
		}
	}
}

// Publish delivers v to every subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(v)
}

func (b *Broadcaster[T]) publishLocked(v T) {
	for _, sub := range b.subs {
		sub.Send(v)
	}
}

func (b *Broadcaster[T]) removeLocked(id uint64, sub *RingChannel[T]) {
	delete(b.subs, id)
	sub.Close()
	b.overwritten += sub.Overwritten()
}

// Overwritten returns how many values subscribers lost because they did
// not keep up, including subscribers that have since gone.
func (b *Broadcaster[T]) Overwritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.overwritten
	for _, sub := range b.subs {
		n += sub.Overwritten()
	}
	return n
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Reset completes every current subscriber. The broadcaster stays usable
// for new subscribers.
func (b *Broadcaster[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		b.removeLocked(id, sub)
	}
}

// Close completes every subscriber and rejects new ones.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		b.removeLocked(id, sub)
	}
}
