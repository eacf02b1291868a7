package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/pkg/connection"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still
	// using it. A device that was never connected reports
	// device.ErrDeviceNotConnected instead.
	ErrConnectionLost = errors.New("connection lost")
)

// userHints maps errors to the advice printed after them.
var userHints = []struct {
	target error
	hint   string
}{
	{device.ErrPermission, "grant Bluetooth access to this terminal and try again"},
	{connection.ErrNoRadioControl, "this platform manages the adapter power itself"},
	{device.ErrServiceNotSupported, "the device does not expose the configured serial service; check uart.service_uuid"},
	{device.ErrTimeout, "the device did not answer in time; move closer or raise the timeouts in the config file"},
	{ErrConnectionLost, "the device disconnected; check its power and range"},
	{device.ErrDeviceNotConnected, "connect to the device first"},
}

// FormatUserError renders err for the terminal, appending a hint for the
// failures users can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var scanErr *device.ScannerError
	if errors.As(err, &scanErr) && device.StatusOf(scanErr.Err) == device.StatusBluetoothDisabled {
		return fmt.Sprintf("%v (turn Bluetooth on, or run 'blecore radio on')", err)
	}
	if device.StatusOf(err) == device.StatusBluetoothDisabled {
		return fmt.Sprintf("%v (turn Bluetooth on, or run 'blecore radio on')", err)
	}

	for _, h := range userHints {
		if errors.Is(err, h.target) {
			return fmt.Sprintf("%v (%s)", err, h.hint)
		}
	}
	return err.Error()
}
