// Package throttle coalesces bursts of requests into a single execution.
//
// Requests enqueued within the quiet window of each other collapse to the
// latest one; every waiter receives its result. A waiter whose own max wait
// elapses first runs its own request instead.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/groutine"
)

// DefaultQuiet is the quiet window used when none is given.
const DefaultQuiet = 500 * time.Millisecond

// ErrClosed is returned to waiters of a closed Coalescer.
var ErrClosed = errors.New("throttle: coalescer closed")

// Request produces one result. It runs at most once per coalesced burst.
type Request[T any] func(ctx context.Context) (T, error)

type result[T any] struct {
	value T
	err   error
}

type waiter[T any] struct {
	req  Request[T]
	done chan result[T]
}

// Coalescer collapses requests enqueued within its quiet window.
type Coalescer[T any] struct {
	quiet  time.Duration
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	latest   Request[T]
	latestID uint64
	waiters  map[uint64]waiter[T]
	nextID   uint64
	timer   *time.Timer
	closed  bool
}

// New returns a Coalescer with the given quiet window.
func New[T any](quiet time.Duration, logger *logrus.Logger) *Coalescer[T] {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer[T]{
		quiet:   quiet,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		waiters: make(map[uint64]waiter[T]),
	}
}

// Enqueue submits req and waits for the result of the burst it joins.
// If maxWait elapses first, req itself is executed and its result returned.
// maxWait <= 0 waits for the burst without a bound.
func (c *Coalescer[T]) Enqueue(ctx context.Context, req Request[T], maxWait time.Duration) (T, error) {
	var zero T
	if req == nil {
		return zero, errors.New("throttle: nil request")
	}

	id, done, err := c.add(req)
	if err != nil {
		return zero, err
	}

	var deadline <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-deadline:
		if !c.remove(id) {
			// the burst fired concurrently, its result is on the way
			r := <-done
			return r.value, r.err
		}
		c.logger.WithField("max_wait", maxWait).Debug("Coalesced request waited too long, running fallback")
		return req(ctx)
	case <-ctx.Done():
		if !c.remove(id) {
			r := <-done
			return r.value, r.err
		}
		return zero, ctx.Err()
	}
}

func (c *Coalescer[T]) add(req Request[T]) (uint64, chan result[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrClosed
	}

	id := c.nextID
	c.nextID++
	done := make(chan result[T], 1)
	c.waiters[id] = waiter[T]{req: req, done: done}
	c.latest, c.latestID = req, id

	if c.timer == nil {
		c.timer = time.AfterFunc(c.quiet, c.fire)
	} else {
		c.timer.Reset(c.quiet)
	}
	return id, done, nil
}

// remove detaches a waiter. Returns false if the burst already claimed it.
// The caller runs its own request, so the burst falls back to the newest
// request still waiting.
func (c *Coalescer[T]) remove(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.waiters[id]; !ok {
		return false
	}
	delete(c.waiters, id)
	if len(c.waiters) == 0 {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.latest = nil
		return true
	}
	if id == c.latestID {
		var newest uint64
		for wid := range c.waiters {
			newest = max(newest, wid)
		}
		c.latest, c.latestID = c.waiters[newest].req, newest
	}
	return true
}

func (c *Coalescer[T]) fire() {
	c.mu.Lock()
	req, waiters := c.latest, c.waiters
	c.latest = nil
	c.waiters = make(map[uint64]waiter[T])
	c.mu.Unlock()

	if req == nil || len(waiters) == 0 {
		return
	}

	groutine.Go(c.ctx, "throttle-burst", func(ctx context.Context) {
		value, err := req(ctx)
		c.logger.WithFields(logrus.Fields{
			"waiters": len(waiters),
			"error":   err,
		}).Debug("Coalesced request completed")
		for _, w := range waiters {
			w.done <- result[T]{value: value, err: err}
		}
	})
}

// Pending returns the number of callers waiting for the current burst.
func (c *Coalescer[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Close fails every pending waiter with ErrClosed and rejects new requests.
func (c *Coalescer[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	for id, w := range c.waiters {
		var zero T
		w.done <- result[T]{value: zero, err: ErrClosed}
		delete(c.waiters, id)
	}
	c.latest = nil
	c.cancel()
}
