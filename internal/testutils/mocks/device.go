// Package mocks holds testify mocks of the transport interfaces in
// internal/device.
package mocks

import (
	"context"
	"sync"

	"github.com/srg/blecore/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockCentral is a mock of device.Central.
type MockCentral struct {
	mock.Mock
}

func (m *MockCentral) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	args := m.Called(ctx, allowDup, handler)
	return args.Error(0)
}

// Dial returns the configured client. A func(string) device.Client return
// value is called per dial so every connection gets a fresh client.
func (m *MockCentral) Dial(ctx context.Context, address string) (device.Client, error) {
	args := m.Called(ctx, address)
	if fn, ok := args.Get(0).(func(string) device.Client); ok {
		return fn(address), args.Error(1)
	}
	client, _ := args.Get(0).(device.Client)
	return client, args.Error(1)
}

// MockClient is a mock of device.Client. Notification handlers passed to
// Subscribe are recorded so tests can push payloads with Notify, and
// Invalidate closes the channel returned by Invalidated.
type MockClient struct {
	mock.Mock

	mu          sync.Mutex
	handlers    map[string]func([]byte)
	invalidated chan struct{}
	once        sync.Once
}

// NewMockClient returns a MockClient ready for expectations.
func NewMockClient() *MockClient {
	return &MockClient{
		handlers:    make(map[string]func([]byte)),
		invalidated: make(chan struct{}),
	}
}

func (m *MockClient) Address() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockClient) DiscoverServices() ([]*device.Service, error) {
	args := m.Called()
	services, _ := args.Get(0).([]*device.Service)
	return services, args.Error(1)
}

func (m *MockClient) ExchangeMTU(mtu int) (int, error) {
	args := m.Called(mtu)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) Read(c *device.Characteristic) ([]byte, error) {
	args := m.Called(c)
	if fn, ok := args.Get(0).(func(*device.Characteristic) []byte); ok {
		return fn(c), args.Error(1)
	}
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockClient) Write(c *device.Characteristic, data []byte, noResponse bool) error {
	args := m.Called(c, data, noResponse)
	return args.Error(0)
}

func (m *MockClient) Subscribe(c *device.Characteristic, handler func([]byte)) error {
	args := m.Called(c, handler)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.handlers[c.UUID] = handler
	m.mu.Unlock()
	return nil
}

func (m *MockClient) Unsubscribe(c *device.Characteristic) error {
	args := m.Called(c)
	m.mu.Lock()
	delete(m.handlers, c.UUID)
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) Invalidated() <-chan struct{} {
	return m.invalidated
}

// Notify delivers data to the handler subscribed for the characteristic
// UUID. Returns false if nothing is subscribed.
func (m *MockClient) Notify(uuid string, data []byte) bool {
	m.mu.Lock()
	h, ok := m.handlers[uuid]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h(data)
	return true
}

// Invalidate simulates link loss or a services-changed indication.
func (m *MockClient) Invalidate() {
	m.once.Do(func() { close(m.invalidated) })
}

// MockRadio is a mock of device.Radio whose Watch stream is fed by SetState.
type MockRadio struct {
	mock.Mock

	mu      sync.Mutex
	on      bool
	watches []chan device.AdapterState
}

// NewMockRadio returns a radio that behaves like a real adapter: Powered
// reports the current state and SetPowered changes it and notifies watchers.
// Tests needing failures add their own expectations on a bare MockRadio.
func NewMockRadio(on bool) *MockRadio {
	m := &MockRadio{on: on}
	m.On("Powered", mock.Anything).Return(func() bool { return m.IsOn() }, nil).Maybe()
	m.On("SetPowered", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			if args.Bool(1) {
				m.SetState(device.AdapterOn)
			} else {
				m.SetState(device.AdapterOff)
			}
		}).
		Return(nil).Maybe()
	return m
}

func (m *MockRadio) Powered(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	if fn, ok := args.Get(0).(func() bool); ok {
		return fn(), args.Error(1)
	}
	return args.Bool(0), args.Error(1)
}

func (m *MockRadio) SetPowered(ctx context.Context, on bool) error {
	args := m.Called(ctx, on)
	return args.Error(0)
}

func (m *MockRadio) Watch(ctx context.Context) (<-chan device.AdapterState, error) {
	ch := make(chan device.AdapterState, 8)
	m.mu.Lock()
	m.watches = append(m.watches, ch)
	m.mu.Unlock()
	return ch, nil
}

// IsOn returns the state last set with SetState.
func (m *MockRadio) IsOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// SetState records s and pushes it to every watcher.
func (m *MockRadio) SetState(s device.AdapterState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.on = s == device.AdapterOn
	for _, ch := range m.watches {
		select {
		case ch <- s:
		default:
		}
	}
}
