package stream

import (
	"context"
	"time"

	"github.com/srg/blecore/internal/groutine"
)

// Relay holds a current value, drops updates equal to it and replays it to
// every new subscriber.
type Relay[T any] struct {
	b     *Broadcaster[T]
	value T
	equal func(a, b T) bool
}

// NewRelay creates a Relay seeded with initial.
func NewRelay[T any](initial T, equal func(a, b T) bool) *Relay[T] {
	return &Relay[T]{
		b:     NewBroadcaster[T](DefaultBuffer),
		value: initial,
		equal: equal,
	}
}

// Publish sets v as the current value. Returns false, and publishes nothing,
// if v equals the current value.
func (r *Relay[T]) Publish(v T) bool {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if r.equal(r.value, v) {
		return false
	}
	r.value = v
	r.b.publishLocked(v)
	return true
}

// Value returns the current value.
func (r *Relay[T]) Value() T {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.value
}

// Subscribe returns a channel that first yields the current value and then
// every distinct update.
func (r *Relay[T]) Subscribe() (<-chan T, func()) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	rc, cancel := r.b.subscribeLocked(r.b.buffer)
	rc.Send(r.value)
	return rc.C(), cancel
}

// Close completes every subscriber.
func (r *Relay[T]) Close() {
	r.b.Close()
}

// Debounce forwards a value from in only after window has passed without a
// newer one, and only if it differs from the last value forwarded. The
// output is closed when in is closed or ctx is done. A pending value is
// flushed when in closes.
func Debounce[T any](ctx context.Context, in <-chan T, window time.Duration, equal func(a, b T) bool) <-chan T {
	out := make(chan T, 1)

	groutine.Go(ctx, "stream-debounce", func(ctx context.Context) {
		defer close(out)

		var (
			pending T
			has     bool
			last    T
			emitted bool
			timerC  <-chan time.Time
		)
		timer := time.NewTimer(window)
		timer.Stop()

		emit := func() bool {
			has = false
			if emitted && equal(last, pending) {
				return true
			}
			select {
			case out <- pending:
				last, emitted = pending, true
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case v, ok := <-in:
				if !ok {
					timer.Stop()
					if has {
						emit()
					}
					return
				}
				pending, has = v, true
				timer.Stop()
				timer.Reset(window)
				timerC = timer.C
			case <-timerC:
				timerC = nil
				if has && !emit() {
					return
				}
			}
		}
	})

	return out
}
