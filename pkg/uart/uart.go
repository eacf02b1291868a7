// Package uart implements a serial-style protocol channel over a GATT
// service exposing one write characteristic (RX) and one notify
// characteristic (TX), the Nordic UART Service by default.
package uart

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/stream"
	"github.com/srg/blecore/pkg/codec"
	"github.com/srg/blecore/pkg/connection"
	"github.com/srg/blecore/pkg/framer"
)

// Nordic UART Service UUIDs
const (
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	// RxUUID is written by the central (client -> device)
	RxUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	// TxUUID notifies the central (device -> client)
	TxUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Controller is the part of the connection manager the channel drives.
// *connection.Manager implements it.
type Controller interface {
	SetServiceValidator(v connection.ServiceValidator)
	AddInitializer(fn connection.Initializer)
	OnInvalidated(fn func())
	IsConnected() bool
	Subscribe(ctx context.Context, uuid string, onData func([]byte)) error
	Write(ctx context.Context, uuid string, data []byte, mode connection.WriteMode) error
}

// ProtocolChannel is a bidirectional stream of application frames.
type ProtocolChannel interface {
	Frames() (<-chan []byte, func())
	Send(ctx context.Context, data []byte) error
}

var _ ProtocolChannel = (*Channel)(nil)

// Options configures the protocol channel
type Options struct {
	ServiceUUID string `default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	RxUUID      string `default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
	TxUUID      string `default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`
	// FrameSize is the application frame length notifications are
	// reassembled into.
	FrameSize int `default:"20"`
	// ExactFrames splits at FrameSize and keeps the remainder; otherwise
	// the whole buffer is emitted once it reaches FrameSize.
	ExactFrames bool `default:"true"`
	// CRC appends a CRC-32 to outbound payloads and verifies and strips it
	// from inbound frames.
	CRC bool `default:"false"`
	// Backlog is how many frames are kept while nobody is listening.
	Backlog uint32 `default:"256"`
}

// DefaultOptions returns the Nordic UART defaults
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Metrics counts inbound frames. All fields use atomic operations.
type Metrics struct {
	FramesReceived    int64
	FramesDropped     int64 // failed CRC check
	FramesOverwritten int64 // lost from a full backlog
	FramesLagged      int64 // lost by a subscriber that fell behind
	FramesDiscarded   int64 // still in the backlog when the connection ended
}

// Channel exchanges application frames with the connected peripheral.
//
// On every connection it validates the service, subscribes to TX and feeds
// notifications through a fresh frame assembler. Every invalidation flushes
// the assembler and completes the current Frames subscribers.
type Channel struct {
	ctrl    Controller
	logger  *logrus.Logger
	opts    Options
	metrics Metrics

	mu           sync.Mutex
	rx, tx       *device.Characteristic
	useLongWrite bool
	assembler    *framer.Assembler
	frames       *stream.Broadcaster[[]byte]
	backlog      mpmc.RichOverlappedRingBuffer[[]byte]
}

// New creates a channel and registers it with ctrl.
func New(ctrl Controller, logger *logrus.Logger, opts *Options) (*Channel, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.FrameSize <= 0 {
		return nil, fmt.Errorf("%w: frame size must be > 0", device.ErrInvalidArgument)
	}
	if opts.CRC && opts.FrameSize <= codec.CRCSize {
		return nil, fmt.Errorf("%w: frame size %d leaves no room for a CRC", device.ErrInvalidArgument, opts.FrameSize)
	}
	if opts.Backlog == 0 {
		return nil, fmt.Errorf("%w: backlog must be > 0", device.ErrInvalidArgument)
	}
	if _, err := device.ValidateUUID(opts.ServiceUUID, opts.RxUUID, opts.TxUUID); err != nil {
		return nil, err
	}

	c := &Channel{
		ctrl:         ctrl,
		logger:       logger,
		opts:         *opts,
		useLongWrite: true,
		frames:       stream.NewBroadcaster[[]byte](stream.DefaultBuffer),
		backlog:      mpmc.NewOverlappedRingBuffer[[]byte](opts.Backlog),
	}

	ctrl.SetServiceValidator(c.validate)
	ctrl.AddInitializer(c.initialize)
	ctrl.OnInvalidated(c.invalidate)
	return c, nil
}

// validate requires the service with a writable RX and a notifying TX.
func (c *Channel) validate(profile *device.Profile) error {
	svc, err := profile.Service(c.opts.ServiceUUID)
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrServiceNotSupported, err)
	}
	rx, ok := svc.Characteristic(c.opts.RxUUID)
	if !ok {
		return fmt.Errorf("%w: RX characteristic %s not found", device.ErrServiceNotSupported, c.opts.RxUUID)
	}
	tx, ok := svc.Characteristic(c.opts.TxUUID)
	if !ok {
		return fmt.Errorf("%w: TX characteristic %s not found", device.ErrServiceNotSupported, c.opts.TxUUID)
	}
	if !rx.CanWrite() {
		return fmt.Errorf("%w: RX characteristic is %s", device.ErrServiceNotSupported, rx.Properties)
	}
	if !tx.CanNotify() {
		return fmt.Errorf("%w: TX characteristic is %s", device.ErrServiceNotSupported, tx.Properties)
	}

	longWrite := rx.Properties.Has(device.PropWrite)
	c.mu.Lock()
	c.rx, c.tx = rx, tx
	c.useLongWrite = longWrite
	c.mu.Unlock()

	fields := logrus.Fields{"rx": rx.UUID, "tx": tx.UUID, "properties": rx.Properties.String()}
	if !longWrite {
		c.logger.WithFields(fields).Warn("RX has no acknowledged write, forcing write without response")
	} else {
		c.logger.WithFields(fields).Info("Found serial service")
	}
	return nil
}

func (c *Channel) initialize(ctx context.Context) error {
	c.mu.Lock()
	c.assembler = framer.New(c.opts.FrameSize, c.opts.ExactFrames)
	tx := c.tx
	c.mu.Unlock()

	if tx == nil {
		return fmt.Errorf("%w: TX characteristic not resolved", device.ErrServiceNotSupported)
	}
	return c.ctrl.Subscribe(ctx, tx.UUID, c.onNotification)
}

func (c *Channel) onNotification(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assembler == nil {
		return
	}
	c.logger.WithField("bytes", len(data)).Debug("Received data from device")
	for _, frame := range c.assembler.Feed(data) {
		c.publishLocked(frame)
	}
}

func (c *Channel) publishLocked(frame []byte) {
	if c.opts.CRC {
		payload, _, err := codec.StripCRC32(frame)
		if err != nil || !codec.VerifyCRC32(frame) {
			atomic.AddInt64(&c.metrics.FramesDropped, 1)
			c.logger.WithField("frame", codec.Hex(frame)).Warn("Dropping frame with bad CRC")
			return
		}
		frame = payload
	}
	atomic.AddInt64(&c.metrics.FramesReceived, 1)

	if c.frames.Len() > 0 {
		c.frames.Publish(frame)
		return
	}
	overwrites, err := c.backlog.EnqueueM(frame)
	if err != nil {
		c.logger.WithError(err).Error("Unexpected backlog enqueue error")
		return
	}
	atomic.AddInt64(&c.metrics.FramesOverwritten, int64(overwrites))
}

// invalidate flushes the assembler, completes the current subscribers and
// resets the per-connection state.
func (c *Channel) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.assembler != nil {
		for _, frame := range c.assembler.Flush() {
			c.publishLocked(frame)
		}
	}
	c.assembler = nil
	c.rx, c.tx = nil, nil
	c.useLongWrite = true
	c.frames.Reset()

	if n := c.backlog.Size(); n > 0 {
		atomic.AddInt64(&c.metrics.FramesDiscarded, int64(n))
		c.logger.WithField("frames", n).Warn("Discarding frames nobody received")
	}
	c.backlog.Reset()
	c.logger.Debug("Protocol channel reset")
}

// Frames subscribes to inbound frames. Frames of the current connection
// received while nobody was subscribed are delivered first, in order. The
// channel is closed on every invalidation; subscribe again after
// reconnecting.
func (c *Channel) Frames() (<-chan []byte, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pending [][]byte
	for !c.backlog.IsEmpty() {
		frame, err := c.backlog.Dequeue()
		if err != nil {
			break
		}
		pending = append(pending, frame)
	}
	return c.frames.SubscribeWith(int(c.opts.Backlog), pending...)
}

// Send writes data to RX. Acknowledged long writes are used when RX
// supports them, otherwise a single write without response.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", device.ErrInvalidArgument)
	}

	c.mu.Lock()
	rx, longWrite := c.rx, c.useLongWrite
	c.mu.Unlock()
	if rx == nil || !c.ctrl.IsConnected() {
		return device.ErrDeviceNotConnected
	}

	if c.opts.CRC {
		data = codec.WithCRC32(data)
	}
	mode := connection.WriteNoResponse
	if longWrite {
		mode = connection.WriteDefault
	}

	if err := c.ctrl.Write(ctx, rx.UUID, data, mode); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"bytes": len(data),
			"mode":  mode,
		}).Error("Failed to send data")
		return err
	}
	c.logger.WithFields(logrus.Fields{"bytes": len(data), "mode": mode}).Debug("Sent data to device")
	return nil
}

// UseLongWrite reports whether Send uses acknowledged fragmented writes.
func (c *Channel) UseLongWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useLongWrite
}

// Buffered returns how many bytes wait for the next frame boundary.
func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assembler == nil {
		return 0
	}
	return c.assembler.Buffered()
}

// Metrics returns a snapshot of the frame counters.
func (c *Channel) Metrics() Metrics {
	return Metrics{
		FramesReceived:    atomic.LoadInt64(&c.metrics.FramesReceived),
		FramesDropped:     atomic.LoadInt64(&c.metrics.FramesDropped),
		FramesOverwritten: atomic.LoadInt64(&c.metrics.FramesOverwritten),
		FramesLagged:      c.frames.Overwritten(),
		FramesDiscarded:   atomic.LoadInt64(&c.metrics.FramesDiscarded),
	}
}
