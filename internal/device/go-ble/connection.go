package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/groutine"
)

// BLEClient adapts a go-ble client to device.Client. It keeps the go-ble
// characteristic handles from the last discovery so callers can address
// characteristics by UUID.
type BLEClient struct {
	client ble.Client
	logger *logrus.Logger

	mu    sync.RWMutex
	chars map[string]*ble.Characteristic

	invalidated chan struct{}
	once        sync.Once
}

// NewBLEClient wraps client and starts watching its disconnect signal.
func NewBLEClient(client ble.Client, logger *logrus.Logger) *BLEClient {
	if logger == nil {
		logger = logrus.New()
	}
	c := &BLEClient{
		client:      client,
		logger:      logger,
		chars:       make(map[string]*ble.Characteristic),
		invalidated: make(chan struct{}),
	}

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok && dc.Disconnected() != nil {
		groutine.Go(context.Background(), "ble-connection-monitor", func(ctx context.Context) {
			<-dc.Disconnected()
			c.logger.WithField("address", c.Address()).Warn("Transport reported disconnection")
			c.invalidate()
		})
	} else {
		c.logger.Debug("Client does not expose a Disconnected() channel")
	}
	return c
}

func charKey(service, uuid string) string {
	return service + "/" + uuid
}

func (c *BLEClient) invalidate() {
	c.once.Do(func() { close(c.invalidated) })
}

// Address returns the peer address.
func (c *BLEClient) Address() string {
	return c.client.Addr().String()
}

// Invalidated is closed once the link is gone.
func (c *BLEClient) Invalidated() <-chan struct{} {
	return c.invalidated
}

// DiscoverServices runs a full profile discovery and refreshes the handle
// table.
func (c *BLEClient) DiscoverServices() ([]*device.Service, error) {
	profile, err := c.client.DiscoverProfile(true)
	if err != nil {
		return nil, NormalizeError(err)
	}

	chars := make(map[string]*ble.Characteristic)
	services := make([]*device.Service, 0, len(profile.Services))
	for _, s := range profile.Services {
		svc := &device.Service{UUID: device.NormalizeUUID(s.UUID.String())}
		for _, ch := range s.Characteristics {
			dc := &device.Characteristic{
				ServiceUUID: svc.UUID,
				UUID:        device.NormalizeUUID(ch.UUID.String()),
				Properties:  device.Property(ch.Property),
			}
			svc.Characteristics = append(svc.Characteristics, dc)
			chars[charKey(dc.ServiceUUID, dc.UUID)] = ch
		}
		services = append(services, svc)
	}

	c.mu.Lock()
	c.chars = chars
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"address":  c.Address(),
		"services": len(services),
	}).Debug("Profile discovered")
	return services, nil
}

func (c *BLEClient) lookup(ch *device.Characteristic) (*ble.Characteristic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bc, ok := c.chars[charKey(ch.ServiceUUID, ch.UUID)]
	if !ok {
		return nil, &device.CodedError{
			Status: device.StatusNullAttribute,
			Err:    &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.ServiceUUID, ch.UUID}},
		}
	}
	return bc, nil
}

// ExchangeMTU negotiates the ATT MTU.
func (c *BLEClient) ExchangeMTU(mtu int) (int, error) {
	granted, err := c.client.ExchangeMTU(mtu)
	if err != nil {
		return 0, NormalizeError(err)
	}
	return granted, nil
}

// Read reads a characteristic value.
func (c *BLEClient) Read(ch *device.Characteristic) ([]byte, error) {
	bc, err := c.lookup(ch)
	if err != nil {
		return nil, err
	}
	data, err := c.client.ReadCharacteristic(bc)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return data, nil
}

// Write writes data in a single ATT request.
func (c *BLEClient) Write(ch *device.Characteristic, data []byte, noResponse bool) error {
	bc, err := c.lookup(ch)
	if err != nil {
		return err
	}
	return NormalizeError(c.client.WriteCharacteristic(bc, data, noResponse))
}

// Subscribe enables notifications, or indications when the characteristic
// only supports those.
func (c *BLEClient) Subscribe(ch *device.Characteristic, handler func([]byte)) error {
	bc, err := c.lookup(ch)
	if err != nil {
		return err
	}
	ind := !ch.Properties.Has(device.PropNotify) && ch.Properties.Has(device.PropIndicate)
	return NormalizeError(c.client.Subscribe(bc, ind, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	}))
}

// Unsubscribe disables notifications.
func (c *BLEClient) Unsubscribe(ch *device.Characteristic) error {
	bc, err := c.lookup(ch)
	if err != nil {
		return err
	}
	ind := !ch.Properties.Has(device.PropNotify) && ch.Properties.Has(device.PropIndicate)
	return NormalizeError(c.client.Unsubscribe(bc, ind))
}

// CancelConnection drops the link.
func (c *BLEClient) CancelConnection() error {
	defer c.invalidate()
	if err := c.client.CancelConnection(); err != nil {
		return NormalizeError(fmt.Errorf("cancel connection: %w", err))
	}
	return nil
}
