package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// DefaultMTU is the MTU granted by mocked peripherals unless overridden.
const DefaultMTU = 247

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
	MTU      int             `json:"mtu,omitempty"`
}

// Write is one payload written to a mocked peripheral.
type Write struct {
	UUID       string
	Data       []byte
	NoResponse bool
}

// Peripheral is a mocked central plus the clients it hands out on Dial.
type Peripheral struct {
	Central *mocks.MockCentral

	mu      sync.Mutex
	clients []*mocks.MockClient
	writes  []Write
}

// Client returns the client created by the most recent Dial, or nil.
func (p *Peripheral) Client() *mocks.MockClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.clients) == 0 {
		return nil
	}
	return p.clients[len(p.clients)-1]
}

// Dials returns how many connections were opened.
func (p *Peripheral) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Writes returns every payload written so far, across connections.
func (p *Peripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// PeripheralDeviceBuilder builds mocked BLE peripherals with full
// service/characteristic support.
type PeripheralDeviceBuilder struct {
	profile            DeviceProfileConfig
	scanAdvertisements []device.Advertisement
	scanErr            error
	scanReturns        bool
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithMTU sets the MTU the peripheral grants.
func (b *PeripheralDeviceBuilder) WithMTU(mtu int) *PeripheralDeviceBuilder {
	b.profile.MTU = mtu
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

// WithScanAdvertisements sets the advertisements replayed by Scan.
func (b *PeripheralDeviceBuilder) WithScanAdvertisements(ads ...device.Advertisement) *PeripheralDeviceBuilder {
	b.scanAdvertisements = append(b.scanAdvertisements, ads...)
	return b
}

// WithScanError makes Scan fail with err after replaying advertisements.
func (b *PeripheralDeviceBuilder) WithScanError(err error) *PeripheralDeviceBuilder {
	b.scanErr = err
	return b
}

// WithFiniteScan makes Scan return right after replaying advertisements
// instead of blocking until its context is done.
func (b *PeripheralDeviceBuilder) WithFiniteScan() *PeripheralDeviceBuilder {
	b.scanReturns = true
	return b
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}

func (b *PeripheralDeviceBuilder) services() []*device.Service {
	out := make([]*device.Service, 0, len(b.profile.Services))
	for _, sc := range b.profile.Services {
		svc := &device.Service{UUID: device.NormalizeUUID(sc.UUID)}
		for _, cc := range sc.Characteristics {
			props, err := device.ParseProperties(cc.Properties)
			if err != nil {
				panic(fmt.Sprintf("PeripheralDeviceBuilder: %v", err))
			}
			svc.Characteristics = append(svc.Characteristics, &device.Characteristic{
				ServiceUUID: svc.UUID,
				UUID:        device.NormalizeUUID(cc.UUID),
				Properties:  props,
			})
		}
		out = append(out, svc)
	}
	return out
}

func (b *PeripheralDeviceBuilder) values() map[string][]byte {
	out := make(map[string][]byte)
	for _, sc := range b.profile.Services {
		for _, cc := range sc.Characteristics {
			out[device.NormalizeUUID(cc.UUID)] = cc.Value
		}
	}
	return out
}

// Build creates the mocked central. Every Dial returns a fresh client
// exposing the configured profile.
func (b *PeripheralDeviceBuilder) Build() *Peripheral {
	p := &Peripheral{Central: &mocks.MockCentral{}}

	mtu := b.profile.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	values := b.values()
	ads := b.scanAdvertisements
	scanErr := b.scanErr
	returns := b.scanReturns

	p.Central.On("Scan", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			handler := args.Get(2).(func(device.Advertisement))
			for _, adv := range ads {
				handler(adv)
			}
			if scanErr == nil && !returns {
				<-ctx.Done()
			}
		}).
		Return(scanErr).Maybe()

	p.Central.On("Dial", mock.Anything, mock.Anything).
		Return(func(address string) device.Client {
			client := mocks.NewMockClient()
			client.On("Address").Return(address).Maybe()
			client.On("DiscoverServices").Return(b.services(), nil).Maybe()
			client.On("ExchangeMTU", mock.Anything).Return(mtu, nil).Maybe()
			client.On("Read", mock.Anything).
				Return(func(c *device.Characteristic) []byte { return values[c.UUID] }, nil).Maybe()
			client.On("Write", mock.Anything, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) {
					c := args.Get(0).(*device.Characteristic)
					data := append([]byte(nil), args.Get(1).([]byte)...)
					p.mu.Lock()
					p.writes = append(p.writes, Write{UUID: c.UUID, Data: data, NoResponse: args.Bool(2)})
					p.mu.Unlock()
				}).
				Return(nil).Maybe()
			client.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
			client.On("Unsubscribe", mock.Anything).Return(nil).Maybe()
			client.On("CancelConnection").
				Run(func(mock.Arguments) { client.Invalidate() }).
				Return(nil).Maybe()

			p.mu.Lock()
			p.clients = append(p.clients, client)
			p.mu.Unlock()
			return client
		}, nil).Maybe()

	return p
}
