package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/pkg/throttle"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <device-address> [data]",
	Short: "Send data over the serial service",
	Long: fmt.Sprintf(`Connects to a device and writes data to the serial service RX characteristic.
Payloads larger than one write are split by the connection manager.

Without a data argument every line read from stdin is sent. With a quiet
window (--quiet, or throttle.quiet in the config file) lines arriving in a
burst are coalesced and only the latest one is written.

Examples:
  # Send a string
  blecore send %s "hello"

  # Send hex bytes
  blecore send %s "01 02 ff" --hex

  # Stream lines, keeping only the latest of each burst
  sensor-feed | blecore send %s --quiet 200ms

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

var (
	sendHex   bool
	sendQuiet time.Duration
	sendWait  time.Duration
)

func init() {
	sendCmd.Flags().BoolVar(&sendHex, "hex", false, "Parse input as hex (e.g. 'FF01', '0x01 0x02'); raw text by default")
	sendCmd.Flags().DurationVar(&sendQuiet, "quiet", 0, "Coalesce stdin lines arriving within this window (0 sends every line)")
	sendCmd.Flags().DurationVar(&sendWait, "max-wait", 0, "Longest a coalesced line waits before being sent on its own")
}

// parseSendData converts input to bytes according to --hex
func parseSendData(s string) ([]byte, error) {
	if !sendHex {
		return []byte(s), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(s)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	address := args[0]

	var payload []byte
	if len(args) == 2 {
		var err error
		if payload, err = parseSendData(args[1]); err != nil {
			return fmt.Errorf("failed to parse data: %w", err)
		}
		if len(payload) == 0 {
			return fmt.Errorf("data must not be empty")
		}
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(fmt.Sprintf("Opening serial link to %s", address), "Connecting", "Connected", "Failed")
	progress.Start()
	link, err := openSerialLink(ctx, address, logger, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	defer link.Close()

	if payload != nil {
		if err := link.channel.Send(ctx, payload); err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
		fmt.Fprintf(out, "Sent %d bytes\n", len(payload))
		return nil
	}

	quiet, maxWait := appConfig.Throttle.Quiet, appConfig.Throttle.MaxWait
	if cmd.Flags().Changed("quiet") {
		quiet = sendQuiet
	}
	if cmd.Flags().Changed("max-wait") {
		maxWait = sendWait
	}

	sent, lines, err := sendLines(ctx, link, cmd.InOrStdin(), quiet, maxWait, logger)
	fmt.Fprintf(out, "Sent %d of %d lines\n", sent, lines)
	return err
}

// sendLines writes every line of in. With quiet > 0 lines are coalesced so
// that only the latest line of a burst reaches the device.
func sendLines(ctx context.Context, link *serialLink, in io.Reader, quiet, maxWait time.Duration, logger *logrus.Logger) (int64, int64, error) {
	var sent, lines atomic.Int64

	send := func(data []byte) throttle.Request[struct{}] {
		return func(ctx context.Context) (struct{}, error) {
			if err := link.channel.Send(ctx, data); err != nil {
				return struct{}{}, err
			}
			sent.Add(1)
			return struct{}{}, nil
		}
	}

	var coalescer *throttle.Coalescer[struct{}]
	if quiet > 0 {
		coalescer = throttle.New[struct{}](quiet, logger)
		defer coalescer.Close()
	}

	var (
		pending  groutine.Group
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) { errOnce.Do(func() { firstErr = err }) }

	lost := link.lost(ctx)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			pending.Wait()
			return sent.Load(), lines.Load(), ctx.Err()
		case <-lost:
			pending.Wait()
			return sent.Load(), lines.Load(), ErrConnectionLost
		default:
		}

		data, err := parseSendData(scanner.Text())
		if err != nil {
			logger.WithError(err).Warn("Skipping line")
			continue
		}
		if len(data) == 0 {
			continue
		}
		lines.Add(1)

		if coalescer == nil {
			if err := link.channel.Send(ctx, data); err != nil {
				return sent.Load(), lines.Load(), fmt.Errorf("failed to send: %w", err)
			}
			sent.Add(1)
			continue
		}

		req := send(data)
		pending.Go(ctx, "send-line", func(ctx context.Context) {
			if _, err := coalescer.Enqueue(ctx, req, maxWait); err != nil {
				fail(fmt.Errorf("failed to send: %w", err))
			}
		})
	}
	pending.Wait()

	if err := scanner.Err(); err != nil {
		return sent.Load(), lines.Load(), fmt.Errorf("failed to read input: %w", err)
	}
	return sent.Load(), lines.Load(), firstErr
}
