package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/blecore/bridge"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Create a PTY bridge to a BLE device",
	Long: fmt.Sprintf(`Creates a bidirectional PTY (pseudoterminal) bridge to a BLE device,
allowing applications that expect a serial port to talk to it.

Bytes written to the PTY are sent to the serial service RX characteristic;
frames reassembled from TX notifications are written to the PTY.

Example:
  blecore bridge %s
  blecore bridge %s --symlink /tmp/ble-uart

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeSymlink    string
	bridgeBufferSize int
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
	bridgeCmd.Flags().IntVar(&bridgeBufferSize, "buffer", bridge.DefaultPtyBufferSize, "PTY ring buffer size per direction, in bytes")
}

func runBridge(cmd *cobra.Command, args []string) error {
	if bridgeBufferSize <= 0 {
		return fmt.Errorf("--buffer must be positive")
	}
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()
	address := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(fmt.Sprintf("Starting bridge for %s", address), "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	stats, err := bridge.RunDeviceBridge(ctx,
		&bridge.BridgeOptions{
			Address:        address,
			Connection:     appConfig.ConnectionOptions(),
			UART:           appConfig.UARTOptions(),
			Logger:         logger,
			PtyBufferSize:  bridgeBufferSize,
			TTYSymlinkPath: bridgeSymlink,
		},
		progress.Callback(),
		func(b bridge.Bridge) (bridge.Stats, error) {
			fmt.Fprintf(out, "Bridge running on %s\n", okColor.Sprint(b.TTYName()))
			if link := b.TTYSymlink(); link != "" {
				fmt.Fprintf(out, "Symlink: %s\n", link)
			}
			fmt.Fprintln(out, "Press Ctrl+C to stop")

			<-ctx.Done()
			logger.Info("Bridge shutting down...")
			return b.Stats(), nil
		},
	)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Frames to PTY: %d, chunks to device: %d, send failures: %d, dropped: %d\n",
		stats.FramesToPTY, stats.ChunksToBLE, stats.SendFailures, stats.DroppedToPTY)
	return nil
}
