package device

import (
	"context"
	"fmt"
	"time"
)

// AdapterState is the power state of the local radio.
type AdapterState int

const (
	AdapterOff AdapterState = iota
	AdapterOn
)

func (s AdapterState) String() string {
	if s == AdapterOn {
		return "on"
	}
	return "off"
}

// ConnectionStatus is either connected to a device or disconnected.
type ConnectionStatus struct {
	Connected bool
	DeviceID  string // set when Connected
	// IsExpected tells whether a disconnect was requested by the caller
	// rather than caused by link loss.
	IsExpected bool
}

// Connected returns the status for an established connection to id.
func Connected(id string) ConnectionStatus {
	return ConnectionStatus{Connected: true, DeviceID: id}
}

// Disconnected returns a disconnected status.
func Disconnected(expected bool) ConnectionStatus {
	return ConnectionStatus{IsExpected: expected}
}

// Equal compares only the device for connected values and ignores
// IsExpected for disconnected ones.
func (s ConnectionStatus) Equal(o ConnectionStatus) bool {
	if s.Connected != o.Connected {
		return false
	}
	if s.Connected {
		return s.DeviceID == o.DeviceID
	}
	return true
}

func (s ConnectionStatus) String() string {
	if s.Connected {
		return fmt.Sprintf("connected(%s)", s.DeviceID)
	}
	return fmt.Sprintf("disconnected(expected=%t)", s.IsExpected)
}

// Advertisement is a single advertising report seen while scanning.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
	// Raw returns the advertising data as length/type/value structures.
	Raw() []byte
}

// ScanResult is the latest advertisement known for a device.
type ScanResult struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	RSSI         int       `json:"rssi"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Services     []string  `json:"services,omitempty"`
	Connectable  bool      `json:"connectable"`
	Raw          []byte    `json:"raw,omitempty"`
}

// NewScanResult captures adv as seen at t.
func NewScanResult(adv Advertisement, t time.Time) ScanResult {
	return ScanResult{
		DeviceID:     adv.Addr(),
		Name:         adv.LocalName(),
		RSSI:         adv.RSSI(),
		DiscoveredAt: t,
		Services:     NormalizeUUIDs(adv.Services()),
		Connectable:  adv.Connectable(),
		Raw:          adv.Raw(),
	}
}

// Central is the local radio acting in the central role.
type Central interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
	Dial(ctx context.Context, address string) (Client, error)
}

// Client is one live GATT connection. Implementations are not expected to
// handle concurrent calls; the connection manager serializes them.
type Client interface {
	Address() string
	DiscoverServices() ([]*Service, error)
	// ExchangeMTU requests mtu and returns the value actually granted.
	ExchangeMTU(mtu int) (int, error)
	Read(c *Characteristic) ([]byte, error)
	Write(c *Characteristic, data []byte, noResponse bool) error
	Subscribe(c *Characteristic, handler func([]byte)) error
	Unsubscribe(c *Characteristic) error
	CancelConnection() error
	// Invalidated is closed when the peer drops the link or its services
	// change and must be rediscovered.
	Invalidated() <-chan struct{}
}

// Radio controls the power state of the local adapter.
type Radio interface {
	Powered(ctx context.Context) (bool, error)
	SetPowered(ctx context.Context, on bool) error
	// Watch streams adapter state changes until ctx is done.
	Watch(ctx context.Context) (<-chan AdapterState, error)
}
