//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/devicefactory"
	"github.com/srg/blecore/internal/testutils/mocks"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite with a mocked BLE
// peripheral behind the device factories.
//
// Basic usage (automatic setup with the default UART profile):
//
//	type SimpleSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func TestSimpleSuite(t *testing.T) {
//	    suite.Run(t, new(SimpleSuite))
//	}
//
// Custom profile and advertisements:
//
//	func (s *ScannerSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//	    s.WithAdvertisements().
//	        WithNewAdvertisement().WithAddress("AA:BB:CC:DD:EE:FF").Build()
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalCentralFactory func(*logrus.Logger) (device.Central, error)
	OriginalRadioFactory   func(string, *logrus.Logger) (device.Radio, error)
	TestTimeout            time.Duration

	PeripheralBuilder     *PeripheralDeviceBuilder
	AdvertisementsBuilder *AdvertisementArrayBuilder

	// Peripheral and Radio are rebuilt by SetupTest.
	Peripheral *Peripheral
	Radio      *mocks.MockRadio
}

// SetupSuite is called once before all tests in the suite.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second

	s.OriginalCentralFactory = devicefactory.CentralFactory
	s.OriginalRadioFactory = devicefactory.RadioFactory

	s.T().Cleanup(func() {
		devicefactory.CentralFactory = s.OriginalCentralFactory
		devicefactory.RadioFactory = s.OriginalRadioFactory
		s.Logger.Debug("Device factories restored via t.Cleanup")
	})
}

// SetupTest installs the mocked central and radio before each test.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewDefaultPeripheralBuilder()
	}
	if s.AdvertisementsBuilder != nil {
		s.PeripheralBuilder.WithScanAdvertisements(s.AdvertisementsBuilder.Build()...)
	}

	s.Peripheral = s.PeripheralBuilder.Build()
	s.Radio = mocks.NewMockRadio(true)

	devicefactory.CentralFactory = func(*logrus.Logger) (device.Central, error) {
		return s.Peripheral.Central, nil
	}
	devicefactory.RadioFactory = func(string, *logrus.Logger) (device.Radio, error) {
		return s.Radio, nil
	}
}

// TearDownTest restores the factories and resets the builders.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	devicefactory.CentralFactory = s.OriginalCentralFactory
	devicefactory.RadioFactory = s.OriginalRadioFactory

	s.PeripheralBuilder = nil
	s.AdvertisementsBuilder = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration.
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// WithAdvertisements returns the builder for advertisements replayed by Scan.
func (s *MockBLEPeripheralSuite) WithAdvertisements() *AdvertisementArrayBuilder {
	if s.AdvertisementsBuilder == nil {
		s.AdvertisementsBuilder = NewAdvertisementArrayBuilder()
	}
	return s.AdvertisementsBuilder
}

// NewDefaultPeripheralBuilder returns a peripheral exposing the Nordic UART
// service and a battery level characteristic set to 50%.
func NewDefaultPeripheralBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().FromJSON(`
	{
		"services": [
			{
				"uuid": "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
				"characteristics": [
					{ "uuid": "6e400002-b5a3-f393-e0a9-e50e24dcca9e", "properties": "write,write-without-response" },
					{ "uuid": "6e400003-b5a3-f393-e0a9-e50e24dcca9e", "properties": "notify" }
				]
			},
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
				]
			}
		]
	}`)
}
