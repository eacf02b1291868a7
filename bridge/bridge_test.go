//go:build test

package bridge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/srg/blecore/internal/ptyio"
	"github.com/srg/blecore/internal/stream"
	"github.com/srg/blecore/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

// BridgeTestSuite runs the bridge against a mocked UART peripheral and a
// real PTY.
type BridgeTestSuite struct {
	testutils.MockBLEPeripheralSuite
}

// openSlave opens the PTY slave in non-blocking mode, as a serial client would.
func (s *BridgeTestSuite) openSlave(b Bridge) *os.File {
	slave, err := os.OpenFile(b.TTYName(), os.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	s.Require().NoError(err)
	return slave
}

func readSlave(slave *os.File, want int, timeout time.Duration) []byte {
	deadline := time.Now().Add(timeout)
	_ = slave.SetReadDeadline(deadline)

	var got []byte
	buf := make([]byte, 256)
	for len(got) < want && time.Now().Before(deadline) {
		n, err := slave.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			if !errors.Is(err, syscall.EAGAIN) {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return got
}

func (s *BridgeTestSuite) TestRoundTrip() {
	var phases []string
	progress := func(phase string) { phases = append(phases, phase) }

	symlink := filepath.Join(s.T().TempDir(), "ble-uart")
	opts := &BridgeOptions{
		Address:        testAddress,
		Logger:         s.Logger,
		TTYSymlinkPath: symlink,
	}

	stats, err := RunDeviceBridge(context.Background(), opts, progress, func(b Bridge) (Stats, error) {
		target, err := os.Readlink(symlink)
		s.Require().NoError(err)
		s.Equal(b.TTYName(), target)

		slave := s.openSlave(b)
		defer slave.Close()

		// PTY -> device
		_, err = slave.Write([]byte("hello"))
		s.Require().NoError(err)
		s.Eventually(func() bool {
			var sent []byte
			for _, w := range s.Peripheral.Writes() {
				sent = append(sent, w.Data...)
			}
			return bytes.Equal(sent, []byte("hello"))
		}, s.TestTimeout, 10*time.Millisecond)

		// device -> PTY, one 20 byte frame split across two notifications
		frame := []byte("0123456789abcdefghij")
		client := s.Peripheral.Client()
		s.Require().True(client.Notify("6e400003b5a3f393e0a9e50e24dcca9e", frame[:7]))
		s.Require().True(client.Notify("6e400003b5a3f393e0a9e50e24dcca9e", frame[7:]))
		s.Equal(frame, readSlave(slave, len(frame), s.TestTimeout))

		s.Eventually(func() bool { return b.Stats().FramesToPTY == 1 }, s.TestTimeout, 10*time.Millisecond)
		return b.Stats(), nil
	})
	s.Require().NoError(err)

	s.EqualValues(1, stats.FramesToPTY)
	s.GreaterOrEqual(stats.ChunksToBLE, uint64(1))
	s.Zero(stats.SendFailures)
	s.Equal([]string{"Connecting", "Connected", "Setting up PTY", "Running"}, phases)

	_, err = os.Lstat(symlink)
	s.True(os.IsNotExist(err), "symlink removed on exit")
}

func (s *BridgeTestSuite) TestOptionsValidation() {
	noop := func(Bridge) (int, error) { return 0, nil }

	_, err := RunDeviceBridge(context.Background(), nil, nil, noop)
	s.ErrorContains(err, "options are required")

	_, err = RunDeviceBridge(context.Background(), &BridgeOptions{}, nil, noop)
	s.ErrorContains(err, "device address is required")
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

type MissingServiceBridgeSuite struct {
	testutils.MockBLEPeripheralSuite
}

func (s *MissingServiceBridgeSuite) SetupTest() {
	s.WithPeripheral().
		WithService("180F").
		WithCharacteristic("2A19", "read", []byte{50})
	s.MockBLEPeripheralSuite.SetupTest()
}

func (s *MissingServiceBridgeSuite) TestConnectFailure() {
	var phases []string
	called := false
	_, err := RunDeviceBridge(context.Background(), &BridgeOptions{Address: testAddress, Logger: s.Logger},
		func(p string) { phases = append(phases, p) },
		func(Bridge) (int, error) { called = true; return 0, nil })

	s.ErrorContains(err, "failed to connect to device")
	s.False(called)
	s.Equal([]string{"Connecting", "Failed"}, phases)
}

func TestMissingServiceBridgeSuite(t *testing.T) {
	suite.Run(t, new(MissingServiceBridgeSuite))
}

// resettableChannel completes its frame subscribers on Reset, like the
// serial channel does on every connection loss.
type resettableChannel struct {
	frames *stream.Broadcaster[[]byte]
	sent   chan []byte
}

func (c *resettableChannel) Frames() (<-chan []byte, func()) { return c.frames.Subscribe() }

func (c *resettableChannel) Send(_ context.Context, data []byte) error {
	c.sent <- data
	return nil
}

func TestLinkResubscribesAfterReset(t *testing.T) {
	ch := &resettableChannel{frames: stream.NewBroadcaster[[]byte](8), sent: make(chan []byte, 8)}

	p, err := ptyio.New(nil, nil)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := Link(ctx, p, ch, nil, 0)

	slave, err := os.OpenFile(b.TTYName(), os.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	require.NoError(t, err)
	defer slave.Close()

	require.Eventually(t, func() bool { return ch.frames.Len() == 1 }, time.Second, 5*time.Millisecond)
	ch.frames.Publish([]byte("one"))
	assert.Equal(t, []byte("one"), readSlave(slave, 3, time.Second))

	ch.frames.Reset()
	require.Eventually(t, func() bool { return ch.frames.Len() == 1 }, time.Second, 5*time.Millisecond, "resubscribed")
	ch.frames.Publish([]byte("two"))
	assert.Equal(t, []byte("two"), readSlave(slave, 3, time.Second))

	_, err = slave.Write([]byte("up"))
	require.NoError(t, err)
	select {
	case data := <-ch.sent:
		assert.Equal(t, []byte("up"), data)
	case <-time.After(time.Second):
		t.Fatal("PTY input not sent")
	}
	assert.EqualValues(t, 2, b.Stats().FramesToPTY)
}
