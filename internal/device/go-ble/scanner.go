package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// bleCentral wraps ble.Device to implement a device.Central interface
type bleCentral struct {
	dev    ble.Device
	logger *logrus.Logger
}

// NewCentral creates a device.Central backed by the platform BLE stack.
func NewCentral(logger *logrus.Logger) (device.Central, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &bleCentral{dev: dev, logger: logger}, nil
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement
func (s *bleCentral) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	return NormalizeError(s.dev.Scan(ctx, allowDup, bleHandler))
}

// Dial connects to address and wraps the resulting client.
func (s *bleCentral) Dial(ctx context.Context, address string) (device.Client, error) {
	s.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := s.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return NewBLEClient(client, s.logger), nil
}
