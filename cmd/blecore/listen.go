package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen <device-address>",
	Short: "Print frames received over the serial service",
	Long: fmt.Sprintf(`Connects to a device, subscribes to the serial service TX characteristic and
prints every reassembled frame. Frame size and CRC checking come from the
uart section of the config file.

Examples:
  blecore listen %s
  blecore listen %s --hex --count 10

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runListen,
}

var (
	listenHex      bool
	listenCount    int
	listenDuration time.Duration
)

func init() {
	listenCmd.Flags().BoolVar(&listenHex, "hex", false, "Print frames as hex instead of text")
	listenCmd.Flags().IntVarP(&listenCount, "count", "n", 0, "Exit after this many frames (0 for no limit)")
	listenCmd.Flags().DurationVarP(&listenDuration, "duration", "d", 0, "Exit after this long (0 waits for Ctrl+C)")
}

func formatFrame(frame []byte) string {
	if listenHex {
		return hex.EncodeToString(frame)
	}
	return string(frame)
}

func runListen(cmd *cobra.Command, args []string) error {
	if listenCount < 0 {
		return fmt.Errorf("--count must not be negative")
	}
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	address := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if listenDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, listenDuration)
		defer cancel()
	}

	progress := NewProgressPrinter(fmt.Sprintf("Opening serial link to %s", address), "Connecting", "Connected", "Failed")
	progress.Start()
	link, err := openSerialLink(ctx, address, logger, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	defer link.Close()

	return printFrames(ctx, link, cmd.OutOrStdout())
}

// printFrames prints frames until ctx ends, the count is reached or the
// link drops. Frame streams end on every connection loss.
func printFrames(ctx context.Context, link *serialLink, out io.Writer) error {
	frames, cancel := link.channel.Frames()
	defer cancel()

	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrConnectionLost
			}
			fmt.Fprintln(out, formatFrame(frame))
			printed++
			if listenCount > 0 && printed >= listenCount {
				return nil
			}
		}
	}
}
