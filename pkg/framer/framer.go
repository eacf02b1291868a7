// Package framer reassembles notification payloads into fixed-size frames.
//
// Frame boundaries are not self-describing: both ends agree on the frame size
// up front. In exact mode every frame is exactly Size bytes and leftover bytes
// wait for the next chunk. In non-exact mode the whole accumulated buffer is
// released once it reaches Size.
package framer

import (
	"context"
	"sync"
)

// Assembler accumulates inbound chunks. Feed is expected to be called from a
// single delivery path; the mutex only keeps accidental concurrent use safe.
type Assembler struct {
	mu     sync.Mutex
	size   int
	exact  bool
	buffer []byte
}

// New returns an Assembler with the given target frame size.
func New(size int, exact bool) *Assembler {
	if size <= 0 {
		panic("framer: size must be > 0")
	}
	return &Assembler{size: size, exact: exact}
}

// Size returns the target frame size.
func (a *Assembler) Size() int {
	return a.size
}

// Buffered returns the number of bytes waiting for a frame boundary.
func (a *Assembler) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// Feed appends chunk and returns every frame that became complete.
func (a *Assembler) Feed(chunk []byte) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buffer = append(a.buffer, chunk...)

	var frames [][]byte
	for len(a.buffer) >= a.size {
		if !a.exact {
			frames = append(frames, a.buffer)
			a.buffer = nil
			break
		}
		frame := make([]byte, a.size)
		copy(frame, a.buffer[:a.size])
		frames = append(frames, frame)
		a.buffer = append([]byte(nil), a.buffer[a.size:]...)
	}
	return frames
}

// Flush releases whatever is buffered, split at the frame boundary, and
// resets the assembler.
func (a *Assembler) Flush() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	rest := a.buffer
	a.buffer = nil

	var frames [][]byte
	if len(rest) > a.size {
		frames = append(frames, rest[:a.size])
		rest = rest[a.size:]
	}
	if len(rest) > 0 {
		frames = append(frames, rest)
	}
	return frames
}

// Run feeds every chunk read from in and sends the resulting frames to out.
// When in is closed the remainder is flushed and out is closed. Run returns
// early with ctx.Err() if ctx is cancelled; out is closed in that case too.
func (a *Assembler) Run(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	defer close(out)

	send := func(frames [][]byte) error {
		for _, f := range frames {
			select {
			case out <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-in:
			if !ok {
				return send(a.Flush())
			}
			if err := send(a.Feed(chunk)); err != nil {
				return err
			}
		}
	}
}
