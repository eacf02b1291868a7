// Package devicefactory builds the platform transport for the scanner and
// the connection manager.
package devicefactory

import (
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/device/go-ble"
	"github.com/srg/blecore/internal/radio"
)

// CentralFactory creates the device.Central used for scanning and dialing.
// This is a variable so that it can be overridden in tests.
var CentralFactory = func(logger *logrus.Logger) (device.Central, error) {
	return goble.NewCentral(logger)
}

// RadioFactory creates the device.Radio for adapter power control. It
// returns nil on platforms where the OS owns the adapter power state.
// This is a variable so that it can be overridden in tests.
var RadioFactory = func(adapter string, logger *logrus.Logger) (device.Radio, error) {
	if runtime.GOOS != "linux" {
		return nil, nil
	}
	r, err := radio.NewBlueZ(adapter, logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}
