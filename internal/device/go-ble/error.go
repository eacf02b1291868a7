package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blecore/internal/device"
)

// NormalizeError attaches a GATT status code to errors coming out of go-ble.
// ATT protocol errors keep their wire code; well known local failures are
// matched by message so the mapping survives small upstream wording changes.
// The original error stays reachable through errors.Unwrap.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var coded *device.CodedError
	if errors.As(err, &coded) {
		return err
	}

	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return &device.CodedError{Status: int(attErr), Err: err}
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &device.CodedError{Status: device.StatusTimeout, Err: fmt.Errorf("%w: %w", device.ErrTimeout, err)}
	case errors.Is(err, context.Canceled):
		return &device.CodedError{Status: device.StatusCancelled, Err: err}
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "powered off"):
		return &device.CodedError{Status: device.StatusBluetoothDisabled, Err: err}
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return &device.CodedError{Status: device.StatusDeviceDisconnected, Err: fmt.Errorf("%w: %w", device.ErrDeviceNotConnected, err)}
	case containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "not implemented"):
		return &device.CodedError{Status: device.StatusRequestNotSupported, Err: err}
	default:
		return &device.CodedError{Status: device.StatusGattFailure, Err: err}
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
