package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/devicefactory"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/internal/stream"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultMTU is the MTU assumed before negotiation and restored after every
// invalidation.
const DefaultMTU = 260

// State is the lifecycle position of the managed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateMTUNegotiating
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateMTUNegotiating:
		return "mtu_negotiating"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// ServiceValidator checks a freshly discovered profile. A non-nil error
// aborts the connection.
type ServiceValidator func(profile *device.Profile) error

// Initializer runs once the MTU is negotiated and before the connection is
// reported ready.
type Initializer func(ctx context.Context) error

// Options configures the connection manager
type Options struct {
	Adapter             string        `default:"hci0"`
	MTU                 int           `default:"260"`
	ConnectTimeout      time.Duration `default:"10s"`
	OperationTimeout    time.Duration `default:"3500ms"`
	StatusDebounce      time.Duration `default:"500ms"`
	RadioSettle         time.Duration `default:"2s"`
	RadioRestartTimeout time.Duration `default:"10s"`
}

// DefaultOptions returns the default manager options
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Manager owns at most one connection to a peripheral. GATT operations are
// serialized through a single request queue so only one is ever in flight.
type Manager struct {
	central device.Central
	radio   device.Radio
	logger  *logrus.Logger
	opts    Options

	ctx    context.Context
	cancel context.CancelCauseFunc

	requests chan *request

	hooksMutex   sync.RWMutex
	gate         device.PermissionGate
	keepAlive    device.KeepAlive
	validator    ServiceValidator
	initializers []Initializer
	onInvalidate []func()

	// lifecycleMutex serializes Connect and Disconnect
	lifecycleMutex sync.Mutex
	writeMutex     sync.Mutex

	connMutex          sync.RWMutex
	client             device.Client
	profile            *device.Profile
	deviceID           string
	state              State
	mtu                int
	expectedDisconnect bool
	keepingAlive       bool
	registry           *orderedmap.OrderedMap[string, *device.Characteristic]
	stopMonitor        context.CancelFunc

	status  *stream.Relay[device.ConnectionStatus]
	adapter *stream.Relay[device.AdapterState]
}

// NewManager creates a manager on the platform central and radio.
func NewManager(logger *logrus.Logger, opts *Options) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	central, err := devicefactory.CentralFactory(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE central: %w", err)
	}
	radio, err := devicefactory.RadioFactory(opts.Adapter, logger)
	if err != nil {
		logger.WithError(err).Warn("Adapter power control unavailable")
		radio = nil
	}
	return NewManagerWith(central, radio, logger, opts), nil
}

// NewManagerWith creates a manager on an existing central. radio may be nil
// where the OS owns the adapter power state.
func NewManagerWith(central device.Central, radio device.Radio, logger *logrus.Logger, opts *Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	m := &Manager{
		central:  central,
		radio:    radio,
		logger:   logger,
		opts:     *opts,
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan *request),
		mtu:      DefaultMTU,
		registry: orderedmap.New[string, *device.Characteristic](),
		status:   stream.NewRelay(device.Disconnected(false), device.ConnectionStatus.Equal),
		adapter:  stream.NewRelay(device.AdapterOff, func(a, b device.AdapterState) bool { return a == b }),
	}

	groutine.Go(ctx, "gatt-request-queue", m.serveRequests)
	if radio != nil {
		m.watchAdapter()
	}
	return m
}

// SetPermissionGate installs the gate consulted before every Connect.
func (m *Manager) SetPermissionGate(gate device.PermissionGate) {
	m.hooksMutex.Lock()
	defer m.hooksMutex.Unlock()
	m.gate = gate
}

// SetKeepAlive installs the collaborator notified when a connection becomes
// ready and when it ends.
func (m *Manager) SetKeepAlive(k device.KeepAlive) {
	m.hooksMutex.Lock()
	defer m.hooksMutex.Unlock()
	m.keepAlive = k
}

// SetServiceValidator installs the check run after service discovery.
func (m *Manager) SetServiceValidator(v ServiceValidator) {
	m.hooksMutex.Lock()
	defer m.hooksMutex.Unlock()
	m.validator = v
}

// AddInitializer appends a hook run on every new connection.
func (m *Manager) AddInitializer(fn Initializer) {
	m.hooksMutex.Lock()
	defer m.hooksMutex.Unlock()
	m.initializers = append(m.initializers, fn)
}

// OnInvalidated registers fn to run after a connection is torn down.
func (m *Manager) OnInvalidated(fn func()) {
	m.hooksMutex.Lock()
	defer m.hooksMutex.Unlock()
	m.onInvalidate = append(m.onInvalidate, fn)
}

// Logger returns the manager logger.
func (m *Manager) Logger() *logrus.Logger {
	return m.logger
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	return m.state
}

// IsConnected reports whether a peer is connected, ready or not.
func (m *Manager) IsConnected() bool {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	return m.client != nil
}

// DeviceID returns the connected device ID, or "".
func (m *Manager) DeviceID() string {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	return m.deviceID
}

// MTU returns the current MTU.
func (m *Manager) MTU() int {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	return m.mtu
}

// Profile returns the services discovered on the current connection.
func (m *Manager) Profile() *device.Profile {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	return m.profile
}

// Subscriptions returns subscribed characteristic UUIDs in subscription
// order.
func (m *Manager) Subscriptions() []string {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	out := make([]string, 0, m.registry.Len())
	for pair := m.registry.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Status returns the current connection status.
func (m *Manager) Status() device.ConnectionStatus {
	return m.status.Value()
}

// ConnectionStatuses streams distinct connection statuses, debounced, until
// ctx is done. The current status is delivered first.
func (m *Manager) ConnectionStatuses(ctx context.Context) <-chan device.ConnectionStatus {
	ch, unsubscribe := m.status.Subscribe()
	groutine.Go(ctx, "connection-status-unsubscribe", func(ctx context.Context) {
		<-ctx.Done()
		unsubscribe()
	})
	return stream.Debounce(ctx, ch, m.opts.StatusDebounce, device.ConnectionStatus.Equal)
}

// AdapterStates streams distinct adapter states. The current state is
// delivered first. Call the returned func to unsubscribe.
func (m *Manager) AdapterStates() (<-chan device.AdapterState, func()) {
	return m.adapter.Subscribe()
}

// AdapterState returns the last known adapter state.
func (m *Manager) AdapterState() device.AdapterState {
	return m.adapter.Value()
}

func (m *Manager) setState(s State) {
	m.connMutex.Lock()
	m.state = s
	m.connMutex.Unlock()
}

// Connect connects to the device with the given ID, discovers and validates
// its services, negotiates the MTU and runs the initializers. Connecting to
// the already connected device is a no-op.
func (m *Manager) Connect(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty device id", device.ErrInvalidArgument)
	}

	m.hooksMutex.RLock()
	gate := m.gate
	m.hooksMutex.RUnlock()
	if err := device.RequirePermissions(ctx, gate, device.PermissionConnect); err != nil {
		return err
	}

	m.lifecycleMutex.Lock()
	defer m.lifecycleMutex.Unlock()

	m.connMutex.RLock()
	current, currentID := m.client, m.deviceID
	m.connMutex.RUnlock()

	if current != nil {
		if currentID == id {
			m.logger.WithField("address", id).Debug("Already connected")
			return nil
		}
		m.logger.WithFields(logrus.Fields{
			"current": currentID,
			"address": id,
		}).Info("Connected to another device, disconnecting first")
		m.disconnect(current)
	}

	m.setState(StateConnecting)
	m.logger.WithField("address", id).Info("Connecting to BLE device...")

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	client, err := m.central.Dial(dialCtx, id)
	cancel()
	if err != nil {
		m.setState(StateDisconnected)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", device.ErrTimeout, err)
		}
		return device.NewStatusError(device.KindDeviceConnection, err)
	}

	monitorCtx, stopMonitor := context.WithCancel(m.ctx)
	m.connMutex.Lock()
	m.client = client
	m.deviceID = id
	m.state = StateConnected
	m.mtu = DefaultMTU
	m.expectedDisconnect = false
	m.registry = orderedmap.New[string, *device.Characteristic]()
	m.stopMonitor = stopMonitor
	m.connMutex.Unlock()

	groutine.Go(monitorCtx, "connection-monitor", func(ctx context.Context) {
		select {
		case <-client.Invalidated():
			m.logger.WithField("address", id).Warn("Connection invalidated")
			m.teardown(client)
		case <-ctx.Done():
		}
	})

	m.logger.WithField("address", id).Info("Connected to device, discovering services...")
	if err := m.setup(ctx, client, id); err != nil {
		m.disconnect(client)
		return err
	}

	m.hooksMutex.RLock()
	keepAlive := m.keepAlive
	m.hooksMutex.RUnlock()

	m.connMutex.Lock()
	if m.client != client {
		// invalidated while the initializers ran; teardown already reset the state
		m.connMutex.Unlock()
		m.logger.WithField("address", id).Warn("Connection lost during setup")
		return device.ErrDeviceNotConnected
	}
	m.state = StateReady
	m.keepingAlive = keepAlive != nil
	m.connMutex.Unlock()
	if keepAlive != nil {
		keepAlive.Start()
	}
	m.status.Publish(device.Connected(id))
	m.logger.WithFields(logrus.Fields{
		"address": id,
		"mtu":     m.MTU(),
	}).Info("BLE connection established successfully")
	return nil
}

func (m *Manager) setup(ctx context.Context, client device.Client, id string) error {
	var services []*device.Service
	err := m.do(ctx, "discover-services", client, func() error {
		var err error
		services, err = client.DiscoverServices()
		return err
	})
	if err != nil {
		return device.NewStatusError(device.KindDeviceConnection, fmt.Errorf("failed to discover services: %w", err))
	}

	profile := device.NewProfile(services)
	m.connMutex.Lock()
	m.profile = profile
	m.connMutex.Unlock()

	m.hooksMutex.RLock()
	validator := m.validator
	initializers := append([]Initializer(nil), m.initializers...)
	m.hooksMutex.RUnlock()

	if validator != nil {
		if err := validator(profile); err != nil {
			m.logger.WithError(err).WithField("address", id).Error("Required services not supported")
			return err
		}
	}

	m.setState(StateMTUNegotiating)
	if _, err := m.NegotiateMTU(ctx, m.opts.MTU); err != nil {
		m.logger.WithError(err).Warn("MTU negotiation failed, keeping default")
	}

	for _, init := range initializers {
		if err := init(ctx); err != nil {
			return fmt.Errorf("connection initialization failed: %w", err)
		}
	}
	return nil
}

// Disconnect closes the current connection. It is a no-op when nothing is
// connected. The resulting status is marked as expected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.lifecycleMutex.Lock()
	defer m.lifecycleMutex.Unlock()

	m.connMutex.RLock()
	client := m.client
	m.connMutex.RUnlock()
	if client == nil {
		return nil
	}
	m.disconnect(client)
	return nil
}

func (m *Manager) disconnect(client device.Client) {
	m.connMutex.Lock()
	if m.client != client {
		m.connMutex.Unlock()
		return
	}
	m.expectedDisconnect = true
	m.state = StateDisconnecting
	m.connMutex.Unlock()

	m.logger.WithField("address", client.Address()).Info("Disconnecting from BLE device...")
	if err := client.CancelConnection(); err != nil {
		m.logger.WithError(device.NewStatusError(device.KindDeviceDisconnection, err)).Warn("Error disconnecting from device")
	}
	m.teardown(client)
}

// teardown resets all per-connection state and publishes the disconnected
// status. Only the first call for a given client has any effect.
func (m *Manager) teardown(client device.Client) {
	m.connMutex.Lock()
	if m.client != client {
		m.connMutex.Unlock()
		return
	}
	expected := m.expectedDisconnect
	wasDisconnecting := m.state == StateDisconnecting
	address := m.deviceID
	keepingAlive := m.keepingAlive
	m.keepingAlive = false
	m.client = nil
	m.profile = nil
	m.deviceID = ""
	m.state = StateDisconnected
	m.mtu = DefaultMTU
	m.expectedDisconnect = false
	m.registry = orderedmap.New[string, *device.Characteristic]()
	if m.stopMonitor != nil {
		m.stopMonitor()
		m.stopMonitor = nil
	}
	m.connMutex.Unlock()

	if !wasDisconnecting {
		// link loss or services changed: make sure the transport lets go
		if err := client.CancelConnection(); err != nil {
			m.logger.WithError(err).Debug("Cancel after invalidation failed")
		}
	}

	m.hooksMutex.RLock()
	hooks := append([]func(){}, m.onInvalidate...)
	keepAlive := m.keepAlive
	m.hooksMutex.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	if keepingAlive && keepAlive != nil {
		keepAlive.Stop()
	}

	m.status.Publish(device.Disconnected(expected))
	m.logger.WithFields(logrus.Fields{
		"address":  address,
		"expected": expected,
	}).Info("Disconnected from BLE device")
}

// Close disconnects and stops the manager. The manager cannot be reused.
func (m *Manager) Close() error {
	err := m.Disconnect(context.Background())
	m.cancel(errors.New("connection manager closed"))
	m.status.Close()
	m.adapter.Close()
	return err
}
