package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecore/pkg/connection"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <device-address>",
	Short: "Connect to a device and monitor the link",
	Long: fmt.Sprintf(`Connects to a BLE device, negotiates the MTU, prints the discovered GATT
profile and then reports connection state changes until Ctrl+C or --duration.

No service is required, so this works with any connectable device.

Example:
  blecore connect %s
  blecore connect %s --duration 30s

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var connectDuration time.Duration

func init() {
	connectCmd.Flags().DurationVarP(&connectDuration, "duration", "d", 0, "Disconnect after this long (0 waits for Ctrl+C)")
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	address := args[0]
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if connectDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectDuration)
		defer cancel()
	}

	manager, err := connection.NewManager(logger, appConfig.ConnectionOptions())
	if err != nil {
		return err
	}
	defer manager.Close()

	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", address), "Connecting", "Connected", "Failed")
	progress.Start()
	err = manager.Connect(ctx, address)
	progress.Stop()
	if err != nil {
		return fmt.Errorf("failed to connect to device %s: %w", address, err)
	}
	defer func() { _ = manager.Disconnect(context.Background()) }()

	last := manager.Status()
	fmt.Fprintln(out, statusLine(last))
	if err := printProfile(out, manager.Profile(), manager.MTU()); err != nil {
		return err
	}

	for st := range manager.ConnectionStatuses(ctx) {
		if st.Equal(last) {
			continue
		}
		last = st
		fmt.Fprintln(out, statusLine(st))
		if !st.Connected && !st.IsExpected {
			return ErrConnectionLost
		}
	}
	return nil
}
