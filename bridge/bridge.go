package bridge

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/internal/ptyio"
	"github.com/srg/blecore/pkg/connection"
	"github.com/srg/blecore/pkg/uart"
)

const (
	// DefaultPtyBufferSize is the default size, in bytes, of each PTY ring buffer.
	DefaultPtyBufferSize = 4096

	// DefaultSendTimeout bounds one PTY input chunk sent to the device.
	DefaultSendTimeout = 5 * time.Second
)

// Bridge is a running serial bridge between a PTY and a protocol channel.
type Bridge interface {
	TTYName() string    // slave device path
	TTYSymlink() string // symlink path, empty if not created
	PTY() ptyio.PTY
	Channel() uart.ProtocolChannel
	Stats() Stats
}

// Stats counts traffic through a bridge.
type Stats struct {
	FramesToPTY  uint64
	ChunksToBLE  uint64
	SendFailures uint64
	DroppedToPTY uint64
	PTY          ptyio.Stats
}

// BridgeOptions contains all the configuration for running a bridge
type BridgeOptions struct {
	Address        string              // BLE device address
	Connection     *connection.Options // nil = defaults
	UART           *uart.Options       // nil = Nordic UART defaults
	Logger         *logrus.Logger
	PtyBufferSize  int           // per-direction ring size in bytes (0 = default)
	SendTimeout    time.Duration // 0 = DefaultSendTimeout
	TTYSymlinkPath string        // optional symlink to the PTY slave, e.g. /tmp/ble-uart
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// BridgeCallback is executed with the running bridge
type BridgeCallback[R any] func(Bridge) (R, error)

type bridgeImpl struct {
	logger      *logrus.Logger
	pty         ptyio.PTY
	channel     uart.ProtocolChannel
	symlink     string
	sendTimeout time.Duration

	framesToPTY  atomic.Uint64
	chunksToBLE  atomic.Uint64
	sendFailures atomic.Uint64
	droppedToPTY atomic.Uint64
}

func (b *bridgeImpl) TTYName() string { return b.pty.TTYName() }

func (b *bridgeImpl) TTYSymlink() string { return b.symlink }

func (b *bridgeImpl) PTY() ptyio.PTY { return b.pty }

func (b *bridgeImpl) Channel() uart.ProtocolChannel { return b.channel }

func (b *bridgeImpl) Stats() Stats {
	return Stats{
		FramesToPTY:  b.framesToPTY.Load(),
		ChunksToBLE:  b.chunksToBLE.Load(),
		SendFailures: b.sendFailures.Load(),
		DroppedToPTY: b.droppedToPTY.Load(),
		PTY:          b.pty.Stats(),
	}
}

// Link pumps frames from ch into p and PTY input from p into ch until ctx is
// done. Frame subscriptions are renewed after every connection loss, so the
// link survives reconnects.
func Link(ctx context.Context, p ptyio.PTY, ch uart.ProtocolChannel, logger *logrus.Logger, sendTimeout time.Duration) Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	b := &bridgeImpl{logger: logger, pty: p, channel: ch, sendTimeout: sendTimeout}

	p.SetReadCallback(func(data []byte) { b.toDevice(ctx, data) })
	groutine.Go(ctx, "bridge-frames", b.toPTY)
	return b
}

func (b *bridgeImpl) toPTY(ctx context.Context) {
	for ctx.Err() == nil {
		frames, cancel := b.channel.Frames()
		b.drain(ctx, frames)
		cancel()
	}
}

func (b *bridgeImpl) drain(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				b.logger.Debug("Frame stream reset, resubscribing")
				return
			}
			n, err := b.pty.Write(frame)
			if err != nil {
				b.logger.WithError(err).Warn("Failed to write frame to PTY")
				continue
			}
			if n < len(frame) {
				b.droppedToPTY.Add(uint64(len(frame) - n))
			}
			b.framesToPTY.Add(1)
		}
	}
}

func (b *bridgeImpl) toDevice(ctx context.Context, data []byte) {
	payload := append([]byte(nil), data...)
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	if err := b.channel.Send(sendCtx, payload); err != nil {
		b.sendFailures.Add(1)
		b.logger.WithError(err).WithField("bytes", len(payload)).Warn("Dropped PTY input")
		return
	}
	b.chunksToBLE.Add(1)
}

// RunDeviceBridge connects to a device, exposes its serial service as a PTY
// and executes the callback with the running bridge. Everything is torn
// down when the callback returns.
func RunDeviceBridge[R any](
	ctx context.Context,
	opts *BridgeOptions,
	progressCallback ProgressCallback,
	callback BridgeCallback[R],
) (R, error) {
	var zero R

	if opts == nil {
		return zero, fmt.Errorf("failed to execute bridge: options are required")
	}
	if opts.Address == "" {
		return zero, fmt.Errorf("failed to execute bridge: device address is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	bufSize := opts.PtyBufferSize
	if bufSize == 0 {
		bufSize = DefaultPtyBufferSize
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		manager *connection.Manager
		pty     ptyio.PTY
		symlink string
	)
	defer func() {
		// symlink goes before the PTY it points to
		if symlink != "" {
			if err := os.Remove(symlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", symlink).Warn("Failed to remove tty symlink")
			}
		}
		if pty != nil {
			_ = pty.Close()
		}
		if manager != nil {
			_ = manager.Disconnect(context.Background())
			_ = manager.Close()
		}
	}()

	progressCallback("Connecting")

	manager, err := connection.NewManager(logger, opts.Connection)
	if err != nil {
		return zero, err
	}
	channel, err := uart.New(manager, logger, opts.UART)
	if err != nil {
		return zero, err
	}
	if err := manager.Connect(bridgeCtx, opts.Address); err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", opts.Address, err)
	}

	progressCallback("Connected")
	progressCallback("Setting up PTY")

	pty, err = ptyio.New(&ptyio.Options{ReadCap: bufSize, WriteCap: bufSize}, logger)
	if err != nil {
		return zero, err
	}
	logger.WithField("tty", pty.TTYName()).Info("Created PTY device")

	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(pty.TTYName(), opts.TTYSymlinkPath); err != nil {
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, pty.TTYName(), err)
		}
		symlink = opts.TTYSymlinkPath
		logger.WithFields(logrus.Fields{
			"ttySymlink": symlink,
			"target":     pty.TTYName(),
		}).Info("Created PTY symlink")
	}

	progressCallback("Running")

	b := Link(bridgeCtx, pty, channel, logger, opts.SendTimeout).(*bridgeImpl)
	b.symlink = symlink
	return callback(b)
}
