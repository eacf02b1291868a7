//go:build test

package connection_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/testutils"
	"github.com/srg/blecore/internal/testutils/mocks"
	"github.com/srg/blecore/pkg/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testAddress = "AA:BB:CC:DD:EE:FF"
	batteryUUID = "2a19"
	rxUUID      = "6e400002b5a3f393e0a9e50e24dcca9e"
	txUUID      = "6e400003b5a3f393e0a9e50e24dcca9e"
)

func fastOptions() *connection.Options {
	opts := connection.DefaultOptions()
	opts.OperationTimeout = 200 * time.Millisecond
	opts.StatusDebounce = 20 * time.Millisecond
	opts.RadioSettle = 10 * time.Millisecond
	opts.RadioRestartTimeout = 300 * time.Millisecond
	return opts
}

type countingKeepAlive struct {
	starts, stops atomic.Int32
}

func (k *countingKeepAlive) Start() { k.starts.Add(1) }
func (k *countingKeepAlive) Stop()  { k.stops.Add(1) }

type ManagerTestSuite struct {
	testutils.MockBLEPeripheralSuite

	manager *connection.Manager
}

func (s *ManagerTestSuite) SetupTest() {
	s.MockBLEPeripheralSuite.SetupTest()

	m, err := connection.NewManager(s.Logger, fastOptions())
	s.Require().NoError(err)
	s.manager = m
}

func (s *ManagerTestSuite) TearDownTest() {
	if s.manager != nil {
		_ = s.manager.Close()
	}
	s.MockBLEPeripheralSuite.TearDownTest()
}

func (s *ManagerTestSuite) connect() *mocks.MockClient {
	s.Require().NoError(s.manager.Connect(context.Background(), testAddress))
	client := s.Peripheral.Client()
	s.Require().NotNil(client)
	return client
}

func (s *ManagerTestSuite) TestDefaultOptions() {
	opts := connection.DefaultOptions()
	s.Equal(260, opts.MTU)
	s.Equal(10*time.Second, opts.ConnectTimeout)
	s.Equal(3500*time.Millisecond, opts.OperationTimeout)
	s.Equal(500*time.Millisecond, opts.StatusDebounce)
	s.Equal(2*time.Second, opts.RadioSettle)
	s.Equal(10*time.Second, opts.RadioRestartTimeout)
	s.Equal("hci0", opts.Adapter)
}

func (s *ManagerTestSuite) TestConnect() {
	s.Equal(connection.StateDisconnected, s.manager.State())
	s.Equal(connection.DefaultMTU, s.manager.MTU())

	s.connect()

	s.Equal(connection.StateReady, s.manager.State())
	s.True(s.manager.IsConnected())
	s.Equal(testAddress, s.manager.DeviceID())
	s.Equal(device.Connected(testAddress), s.manager.Status())
	s.Equal(testutils.DefaultMTU, s.manager.MTU(), "MTU negotiated on connect")
	s.Len(s.manager.Profile().Services(), 2)
}

func (s *ManagerTestSuite) TestConnectSameDeviceIsNoop() {
	s.connect()
	s.Require().NoError(s.manager.Connect(context.Background(), testAddress))
	s.Equal(1, s.Peripheral.Dials())
}

func (s *ManagerTestSuite) TestConnectOtherDeviceReplacesConnection() {
	first := s.connect()

	s.Require().NoError(s.manager.Connect(context.Background(), "11:22:33:44:55:66"))
	s.Equal(2, s.Peripheral.Dials())
	s.Equal("11:22:33:44:55:66", s.manager.DeviceID())
	first.AssertCalled(s.T(), "CancelConnection")
}

func (s *ManagerTestSuite) TestConnectEmptyID() {
	err := s.manager.Connect(context.Background(), "")
	s.ErrorIs(err, device.ErrInvalidArgument)
}

func (s *ManagerTestSuite) TestDisconnect() {
	s.NoError(s.manager.Disconnect(context.Background()), "disconnect when idle is a no-op")

	keepAlive := &countingKeepAlive{}
	s.manager.SetKeepAlive(keepAlive)
	client := s.connect()
	s.EqualValues(1, keepAlive.starts.Load())

	s.Require().NoError(s.manager.Disconnect(context.Background()))
	client.AssertCalled(s.T(), "CancelConnection")

	status := s.manager.Status()
	s.False(status.Connected)
	s.True(status.IsExpected)
	s.Equal(connection.StateDisconnected, s.manager.State())
	s.False(s.manager.IsConnected())
	s.EqualValues(1, keepAlive.stops.Load())
}

func (s *ManagerTestSuite) TestInvalidationPublishesOneDisconnect() {
	client := s.connect()
	s.Require().NoError(s.manager.Subscribe(context.Background(), batteryUUID, func([]byte) {}))
	s.Equal([]string{batteryUUID}, s.manager.Subscriptions())

	var hooks atomic.Int32
	s.manager.OnInvalidated(func() { hooks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statuses := s.manager.ConnectionStatuses(ctx)

	first, ok := testutils.Receive(statuses, s.TestTimeout)
	s.Require().True(ok)
	s.True(first.Connected)

	client.Invalidate()

	next, ok := testutils.Receive(statuses, s.TestTimeout)
	s.Require().True(ok)
	s.Equal(device.Disconnected(false), next)

	_, ok = testutils.Receive(statuses, 200*time.Millisecond)
	s.False(ok, "exactly one disconnected status")

	s.Empty(s.manager.Subscriptions())
	s.Equal(connection.DefaultMTU, s.manager.MTU())
	s.Equal(connection.StateDisconnected, s.manager.State())
	s.EqualValues(1, hooks.Load())
}

func (s *ManagerTestSuite) TestReconnectAfterInvalidation() {
	client := s.connect()
	client.Invalidate()
	s.Eventually(func() bool { return !s.manager.IsConnected() }, s.TestTimeout, 10*time.Millisecond)

	s.connect()
	s.Equal(2, s.Peripheral.Dials())
	s.Equal(device.Connected(testAddress), s.manager.Status())
}

func (s *ManagerTestSuite) TestSubscribeIsDeduplicated() {
	client := s.connect()

	var got [][]byte
	onData := func(b []byte) { got = append(got, b) }
	s.Require().NoError(s.manager.Subscribe(context.Background(), "2A19", onData))
	s.Require().NoError(s.manager.Subscribe(context.Background(), batteryUUID, onData))
	client.AssertNumberOfCalls(s.T(), "Subscribe", 1)

	s.True(client.Notify(batteryUUID, []byte{42}))
	s.Equal([][]byte{{42}}, got)

	s.Require().NoError(s.manager.Subscribe(context.Background(), txUUID, onData))
	s.Equal([]string{batteryUUID, txUUID}, s.manager.Subscriptions())

	s.Require().NoError(s.manager.Unsubscribe(context.Background(), batteryUUID))
	s.Require().NoError(s.manager.Unsubscribe(context.Background(), batteryUUID))
	client.AssertNumberOfCalls(s.T(), "Unsubscribe", 1)

	s.Require().NoError(s.manager.UnsubscribeAll(context.Background()))
	s.Empty(s.manager.Subscriptions())
}

func (s *ManagerTestSuite) TestUnsubscribeUnknownWarns() {
	logger, hook := logrustest.NewNullLogger()
	m, err := connection.NewManager(logger, fastOptions())
	s.Require().NoError(err)
	defer m.Close()

	s.Require().NoError(m.Connect(context.Background(), testAddress))
	client := s.Peripheral.Client()
	s.Require().NotNil(client)

	hook.Reset()
	s.Require().NoError(m.Unsubscribe(context.Background(), batteryUUID))
	client.AssertNotCalled(s.T(), "Unsubscribe", mock.Anything)

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["uuid"] == batteryUUID {
			warned = true
		}
	}
	s.True(warned, "unsubscribing an unknown characteristic logs a warning")
}

func (s *ManagerTestSuite) TestSubscribeRequiresNotify() {
	s.connect()
	err := s.manager.Subscribe(context.Background(), rxUUID, func([]byte) {})
	s.ErrorIs(err, device.ErrGattEnableNotification)
}

func (s *ManagerTestSuite) TestRead() {
	s.connect()
	data, err := s.manager.Read(context.Background(), batteryUUID)
	s.Require().NoError(err)
	s.Equal([]byte{50}, data)

	_, err = s.manager.Read(context.Background(), "2A1A")
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)
}

func (s *ManagerTestSuite) TestWriteFragmentsToMTU() {
	s.connect()
	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i)
	}

	s.Require().NoError(s.manager.Write(context.Background(), rxUUID, payload, connection.WriteDefault))

	writes := s.Peripheral.Writes()
	s.Require().Len(writes, 3)
	chunk := testutils.DefaultMTU - 3
	s.Len(writes[0].Data, chunk)
	s.Len(writes[1].Data, chunk)
	s.Len(writes[2].Data, 600-2*chunk)
	var joined []byte
	for _, w := range writes {
		s.False(w.NoResponse)
		joined = append(joined, w.Data...)
	}
	s.Equal(payload, joined)
}

func (s *ManagerTestSuite) TestWriteNoResponseIsSingleShot() {
	s.connect()
	payload := make([]byte, 600)
	s.Require().NoError(s.manager.Write(context.Background(), rxUUID, payload, connection.WriteNoResponse))

	writes := s.Peripheral.Writes()
	s.Require().Len(writes, 1)
	s.True(writes[0].NoResponse)
	s.Len(writes[0].Data, 600)
}

func (s *ManagerTestSuite) TestWriteRejections() {
	err := s.manager.Write(context.Background(), rxUUID, []byte{1}, connection.WriteDefault)
	s.ErrorIs(err, device.ErrDeviceNotConnected)

	s.connect()
	err = s.manager.Write(context.Background(), rxUUID, nil, connection.WriteDefault)
	s.ErrorIs(err, device.ErrInvalidArgument)

	err = s.manager.Write(context.Background(), txUUID, []byte{1}, connection.WriteDefault)
	s.ErrorIs(err, device.ErrGattWrite)
	s.Equal(device.StatusWriteNotPermitted, device.StatusOf(err))
}

func (s *ManagerTestSuite) TestValidatorFailureDisconnects() {
	s.manager.SetServiceValidator(func(p *device.Profile) error {
		if _, err := p.Service("180D"); err != nil {
			return device.ErrServiceNotSupported
		}
		return nil
	})

	err := s.manager.Connect(context.Background(), testAddress)
	s.ErrorIs(err, device.ErrServiceNotSupported)
	s.False(s.manager.IsConnected())
	s.False(s.manager.Status().Connected)
	s.Peripheral.Client().AssertCalled(s.T(), "CancelConnection")
}

func (s *ManagerTestSuite) TestInitializerRunsAfterMTU() {
	var seenMTU int
	s.manager.AddInitializer(func(ctx context.Context) error {
		seenMTU = s.manager.MTU()
		return s.manager.Subscribe(ctx, txUUID, func([]byte) {})
	})

	s.connect()
	s.Equal(testutils.DefaultMTU, seenMTU)
	s.Equal([]string{txUUID}, s.manager.Subscriptions())
}

func (s *ManagerTestSuite) TestInitializerFailureDisconnects() {
	s.manager.AddInitializer(func(context.Context) error {
		return errors.New("boom")
	})
	err := s.manager.Connect(context.Background(), testAddress)
	s.ErrorContains(err, "boom")
	s.False(s.manager.IsConnected())
}

func (s *ManagerTestSuite) TestLinkLossDuringSetupFailsConnect() {
	keepAlive := &countingKeepAlive{}
	s.manager.SetKeepAlive(keepAlive)
	s.manager.AddInitializer(func(context.Context) error {
		s.Peripheral.Client().Invalidate()
		deadline := time.Now().Add(s.TestTimeout)
		for s.manager.IsConnected() && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		return nil
	})

	err := s.manager.Connect(context.Background(), testAddress)
	s.ErrorIs(err, device.ErrDeviceNotConnected)
	s.False(s.manager.IsConnected())
	s.Equal(connection.StateDisconnected, s.manager.State())
	s.False(s.manager.Status().Connected)
	s.Zero(keepAlive.starts.Load())
}

func (s *ManagerTestSuite) TestPermissionDenied() {
	s.manager.SetPermissionGate(gateFunc(func(perms []string) map[string]bool {
		return map[string]bool{device.PermissionConnect: false}
	}))
	err := s.manager.Connect(context.Background(), testAddress)
	s.ErrorIs(err, device.ErrPermission)
	s.Equal(0, s.Peripheral.Dials())
}

func (s *ManagerTestSuite) TestRadio() {
	changed, err := s.manager.EnableRadio(context.Background())
	s.Require().NoError(err)
	s.False(changed, "already on")

	changed, err = s.manager.DisableRadio(context.Background())
	s.Require().NoError(err)
	s.True(changed)
	s.Eventually(func() bool { return s.manager.AdapterState() == device.AdapterOff }, s.TestTimeout, 10*time.Millisecond)

	changed, err = s.manager.DisableRadio(context.Background())
	s.Require().NoError(err)
	s.False(changed)

	s.Require().NoError(s.manager.RestartRadio(context.Background()))
	s.Equal(device.AdapterOn, s.manager.AdapterState())
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

type gateFunc func([]string) map[string]bool

func (g gateFunc) Request(_ context.Context, perms []string) (map[string]bool, error) {
	return g(perms), nil
}

func newManualManager(t *testing.T, client *mocks.MockClient, radio device.Radio) *connection.Manager {
	t.Helper()
	central := &mocks.MockCentral{}
	central.On("Dial", mock.Anything, testAddress).Return(client, nil)
	m := connection.NewManagerWith(central, radio, nil, fastOptions())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func batteryClient() *mocks.MockClient {
	client := mocks.NewMockClient()
	client.On("Address").Return(testAddress).Maybe()
	client.On("DiscoverServices").Return([]*device.Service{{
		UUID: "180f",
		Characteristics: []*device.Characteristic{
			{ServiceUUID: "180f", UUID: batteryUUID, Properties: device.PropRead | device.PropNotify},
		},
	}}, nil)
	client.On("ExchangeMTU", mock.Anything).Return(185, nil)
	client.On("CancelConnection").Run(func(mock.Arguments) { client.Invalidate() }).Return(nil).Maybe()
	return client
}

func TestOperationTimeout(t *testing.T) {
	client := batteryClient()
	client.On("Read", mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(400 * time.Millisecond) }).
		Return([]byte{1}, nil)

	m := newManualManager(t, client, nil)
	require.NoError(t, m.Connect(context.Background(), testAddress))
	assert.Equal(t, 185, m.MTU())

	start := time.Now()
	_, err := m.Read(context.Background(), batteryUUID)
	assert.ErrorIs(t, err, device.ErrTimeout)
	assert.ErrorIs(t, err, device.ErrGattRead)
	assert.Equal(t, device.StatusTimeout, device.StatusOf(err))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestCorruptedClientIsDiscarded(t *testing.T) {
	client := batteryClient()
	client.On("Read", mock.Anything).Return(nil, &device.CodedError{
		Status: device.StatusGattCorrupted,
		Err:    errors.New("gatt error"),
	})

	m := newManualManager(t, client, nil)
	require.NoError(t, m.Connect(context.Background(), testAddress))

	_, err := m.Read(context.Background(), batteryUUID)
	assert.ErrorIs(t, err, device.ErrGattRead)
	assert.Eventually(t, func() bool { return !m.IsConnected() }, time.Second, 10*time.Millisecond)
	assert.False(t, m.Status().IsExpected)
}

func TestDialFailure(t *testing.T) {
	central := &mocks.MockCentral{}
	central.On("Dial", mock.Anything, testAddress).Return(nil, &device.CodedError{
		Status: device.StatusGattFailure,
		Err:    errors.New("connection refused"),
	})
	m := connection.NewManagerWith(central, nil, nil, fastOptions())
	defer m.Close()

	err := m.Connect(context.Background(), testAddress)
	assert.ErrorIs(t, err, device.ErrDeviceConnection)
	assert.Equal(t, device.StatusGattFailure, device.StatusOf(err))
	assert.Equal(t, device.Disconnected(false), m.Status())
	assert.Equal(t, connection.StateDisconnected, m.State())
}

func TestRadioUnavailable(t *testing.T) {
	m := connection.NewManagerWith(&mocks.MockCentral{}, nil, nil, fastOptions())
	defer m.Close()

	assert.False(t, m.HasRadioControl())
	_, err := m.EnableRadio(context.Background())
	assert.ErrorIs(t, err, errors.ErrUnsupported)
	assert.ErrorIs(t, m.RestartRadio(context.Background()), connection.ErrNoRadioControl)
}

func TestRestartRadioTimeout(t *testing.T) {
	radio := &mocks.MockRadio{}
	radio.On("Powered", mock.Anything).Return(true, nil).Once()
	radio.On("Powered", mock.Anything).Return(true, nil).Once()
	radio.On("SetPowered", mock.Anything, false).Return(nil)
	radio.On("Powered", mock.Anything).Return(false, nil)
	radio.On("SetPowered", mock.Anything, true).Return(nil)

	m := connection.NewManagerWith(&mocks.MockCentral{}, radio, nil, fastOptions())
	defer m.Close()
	require.Equal(t, device.AdapterOn, m.AdapterState())

	// the watch stream never reports the power cycle
	err := m.RestartRadio(context.Background())
	assert.ErrorIs(t, err, device.ErrTimeout)
	radio.AssertCalled(t, "SetPowered", mock.Anything, true)
}

func TestRestartRadioConfirmsPowerWithoutWatchEvents(t *testing.T) {
	var on atomic.Bool
	on.Store(true)
	radio := &mocks.MockRadio{}
	radio.On("Powered", mock.Anything).Return(func() bool { return on.Load() }, nil)
	radio.On("SetPowered", mock.Anything, false).Run(func(mock.Arguments) { on.Store(false) }).Return(nil)
	radio.On("SetPowered", mock.Anything, true).Run(func(mock.Arguments) {
		// comes back on a little later, silently
		time.AfterFunc(150*time.Millisecond, func() { on.Store(true) })
	}).Return(nil)

	m := connection.NewManagerWith(&mocks.MockCentral{}, radio, nil, fastOptions())
	defer m.Close()

	start := time.Now()
	require.NoError(t, m.RestartRadio(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.True(t, on.Load())
	assert.Equal(t, device.AdapterOn, m.AdapterState())
}
