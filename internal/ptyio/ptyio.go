// Package ptyio wraps a pseudo-terminal master with ring-buffered,
// non-blocking I/O. Bytes written go to the slave through a background
// write loop; bytes produced by the slave are delivered to a read callback
// from a dispatcher goroutine.
//
//	p, err := ptyio.New(nil, logger)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadCallback(func(b []byte) { ... }) // runs on the dispatcher
//	_, _ = p.Write([]byte("hello\n"))         // never blocks
//
// The poll timeout bounds how long the loops wait for readiness before
// checking for Close. Shorter timeouts shut down faster at the cost of more
// idle wakeups.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blecore/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ReadCallback receives bytes produced by the slave. It must not retain data.
type ReadCallback func(data []byte)

// ErrorCallback is invoked at most once per loop when a loop exits on an
// unexpected error. The PTY should be closed afterwards.
type ErrorCallback func(err error)

// Options configures a PTY
type Options struct {
	ReadCap     int           `default:"4096"` // bytes buffered from the slave
	WriteCap    int           `default:"4096"` // bytes buffered towards the slave
	PollTimeout time.Duration `default:"50ms"`
	OnError     ErrorCallback
}

// PTY is a non-blocking pseudo-terminal master.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

// Stats are runtime counters of a PTY.
type Stats struct {
	WriteQueueLen int
	WriteQueueCap int
	ReadQueueLen  int
	ReadQueueCap  int

	DroppedWriteCount uint64
	DroppedReadCount  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

const chunkSize = 4096

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	ttyName string
	poll    int // milliseconds
	onError ErrorCallback

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cbMu       sync.RWMutex
	readCb     ReadCallback
	readNotify chan struct{}
	errOnce    sync.Once

	closed       atomic.Bool
	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// New opens a PTY pair in raw mode and starts its I/O loops. A nil logger
// discards output.
func New(opts *Options, logger *logrus.Logger) (PTY, error) {
	if opts == nil {
		opts = &Options{}
	}
	defaults.SetDefaults(opts)
	if logger == nil {
		logger = discardLogger
	}

	master, slave, err := open()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:     logger,
		master:     master,
		slave:      slave,
		ttyName:    slave.Name(),
		poll:       int(opts.PollTimeout / time.Millisecond),
		onError:    opts.OnError,
		writeBuf:   ringbuffer.New(opts.WriteCap),
		readBuf:    ringbuffer.New(opts.ReadCap),
		ctx:        ctx,
		cancel:     cancel,
		readNotify: make(chan struct{}, 1),
	}
	if p.poll <= 0 {
		p.poll = 1
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { p.readLoop() })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { p.writeLoop() })
	groutine.Go(ctx, "pty-dispatch", func(context.Context) { p.dispatch() })

	logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

func (p *ringPTY) fail(loop string, err error) {
	p.logger.WithError(err).Warnf("%s exiting", loop)
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (p *ringPTY) writeLoop() {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)

	for p.ctx.Err() == nil {
		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("Write queue read failed")
			continue
		}
		if n == 0 {
			// idle: sleep one poll period
			time.Sleep(time.Duration(p.poll) * time.Millisecond)
			continue
		}

		for off := 0; off < n; {
			w, err := master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.writeBytes.Add(uint64(w))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(fds, p.poll); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Warn("Write poll failed")
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail("write loop", err)
				return
			}
			if p.ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *ringPTY) readLoop() {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Warn("Read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, werr := p.readBuf.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				p.logger.WithError(werr).Warn("Read queue write failed")
			}
			if written < n {
				p.droppedRead.Add(uint64(n - written))
				p.logger.WithField("dropped", n-written).Warn("Read buffer overflow")
			}
			p.readBytes.Add(uint64(written))
			p.notify()
		}

		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF), errors.Is(err, io.EOF):
			return
		case errors.Is(err, syscall.EIO):
			// no slave open, wait for one
			time.Sleep(time.Duration(p.poll) * time.Millisecond)
		default:
			p.fail("read loop", err)
			return
		}
	}
}

func (p *ringPTY) notify() {
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

func (p *ringPTY) dispatch() {
	defer p.wg.Done()

	tmp := make([]byte, chunkSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
		}

		for p.ctx.Err() == nil {
			p.cbMu.RLock()
			cb := p.readCb
			p.cbMu.RUnlock()
			if cb == nil {
				break
			}

			n, _ := p.readBuf.TryRead(tmp)
			if n == 0 {
				break
			}
			p.deliver(cb, tmp[:n])
		}
	}
}

func (p *ringPTY) deliver(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("Read callback panicked: %v", r)
			p.SetReadCallback(nil)
		}
	}()
	cb(data)
}

// Write queues data for the slave. It never blocks; when the queue is full
// the excess is dropped and the returned count is short.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	if written < len(data) {
		p.droppedWrite.Add(uint64(len(data) - written))
		p.logger.WithFields(logrus.Fields{
			"dropped": len(data) - written,
			"queued":  written,
		}).Warn("Write buffer overflow")
	}
	return written, nil
}

// Read returns buffered slave output, or syscall.EAGAIN when there is none.
// Data consumed by a read callback is not available to Read.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// SetReadCallback sets or clears (nil) the read callback. Buffered data is
// delivered to a new callback right away.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	p.cbMu.Lock()
	p.readCb = cb
	p.cbMu.Unlock()
	p.notify()
}

// Close stops the loops and closes both ends.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close-wait", func(context.Context) {
		p.wg.Wait()
		close(done)
	})

	timeout := 3*time.Duration(p.poll)*time.Millisecond + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.WithField("tty", p.ttyName).Errorf("PTY loops did not exit within %v", timeout)
	}
	return errors.Join(errs...)
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.writeBuf.Length(),
		WriteQueueCap:     p.writeBuf.Capacity(),
		ReadQueueLen:      p.readBuf.Length(),
		ReadQueueCap:      p.readBuf.Capacity(),
		DroppedWriteCount: p.droppedWrite.Load(),
		DroppedReadCount:  p.droppedRead.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

// TTYName returns the slave device path, e.g. /dev/pts/5.
func (p *ringPTY) TTYName() string {
	return p.ttyName
}

// open creates a PTY pair with the slave in raw mode and a non-blocking
// master.
func open() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		return errors.Join(cause, master.Close(), slave.Close())
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY master non-blocking: %w", err))
	}
	return master, slave, nil
}
