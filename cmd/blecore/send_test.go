//go:build test

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// SendTestSuite runs the send command against the default UART peripheral.
type SendTestSuite struct {
	CommandTestSuite
}

func (s *SendTestSuite) sentPayloads() [][]byte {
	var out [][]byte
	for _, w := range s.Peripheral.Writes() {
		out = append(out, w.Data)
	}
	return out
}

func (s *SendTestSuite) TestSendString() {
	out, err := s.ExecuteCommand("send", TestDeviceAddress1, "hello")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, "Sent 5 bytes")
	s.Equal([][]byte{[]byte("hello")}, s.sentPayloads())
}

func (s *SendTestSuite) TestSendHex() {
	_, err := s.ExecuteCommand("send", TestDeviceAddress1, "0x01 02:ff", "--hex")
	s.Require().NoError(err)
	s.Equal([][]byte{{0x01, 0x02, 0xff}}, s.sentPayloads())
}

func (s *SendTestSuite) TestSendLinesFromStdin() {
	// GOAL: Verify every stdin line is sent when coalescing is off
	//
	// TEST SCENARIO: three lines, no quiet window → three writes in order
	out, err := s.ExecuteCommandContext(context.Background(), strings.NewReader("one\ntwo\n\nthree\n"), "send", TestDeviceAddress1)
	s.Require().NoError(err)

	s.Contains(out, "Sent 3 of 3 lines")
	s.Equal([][]byte{[]byte("one"), []byte("two"), []byte("three")}, s.sentPayloads())
}

func (s *SendTestSuite) TestSendLinesCoalesced() {
	// GOAL: Verify a burst of lines collapses into a single write
	//
	// TEST SCENARIO: three lines at once, 100ms quiet window → one write of one of the lines
	out, err := s.ExecuteCommandContext(context.Background(), strings.NewReader("a\nb\nc\n"),
		"send", TestDeviceAddress1, "--quiet", "100ms", "--max-wait", "2s")
	s.Require().NoError(err)

	s.Contains(out, "Sent 1 of 3 lines")
	payloads := s.sentPayloads()
	s.Require().Len(payloads, 1)
	s.Contains([]string{"a", "b", "c"}, string(payloads[0]))
}

func (s *SendTestSuite) TestSendInvalidData() {
	_, err := s.ExecuteCommand("send", TestDeviceAddress1, "zz", "--hex")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid hex data")
	s.Zero(s.Peripheral.Dials(), "nothing sent for bad input")
}

func TestSendTestSuite(t *testing.T) {
	suite.Run(t, new(SendTestSuite))
}

// SendCoalesceConfigSuite takes the quiet window from the config file.
type SendCoalesceConfigSuite struct {
	CommandTestSuite
}

func (s *SendCoalesceConfigSuite) SetupTest() {
	s.ExtraConfig = "throttle:\n  quiet: 100ms\n  max_wait: 2s\n"
	s.CommandTestSuite.SetupTest()
}

func (s *SendCoalesceConfigSuite) TestQuietFromConfig() {
	out, err := s.ExecuteCommandContext(context.Background(), strings.NewReader("x\ny\n"), "send", TestDeviceAddress1)
	s.Require().NoError(err)
	s.Contains(out, "Sent 1 of 2 lines")
}

func TestSendCoalesceConfigSuite(t *testing.T) {
	suite.Run(t, new(SendCoalesceConfigSuite))
}

// SendMissingServiceSuite runs send against a device without the serial service.
type SendMissingServiceSuite struct {
	CommandTestSuite
}

func (s *SendMissingServiceSuite) SetupTest() {
	s.WithPeripheral().
		WithService("180F").
		WithCharacteristic("2A19", "read", []byte{50})
	s.CommandTestSuite.SetupTest()
}

func (s *SendMissingServiceSuite) TestServiceNotSupported() {
	_, err := s.ExecuteCommand("send", TestDeviceAddress1, "hello")
	s.Require().ErrorIs(err, device.ErrServiceNotSupported)
	s.Contains(FormatUserError(err), "uart.service_uuid")
}

func TestSendMissingServiceSuite(t *testing.T) {
	suite.Run(t, new(SendMissingServiceSuite))
}

func TestParseSendData(t *testing.T) {
	defer func(saved bool) { sendHex = saved }(sendHex)

	tests := []struct {
		name     string
		hex      bool
		input    string
		expected []byte
		wantErr  bool
	}{
		{name: "raw text", input: "AT+RST", expected: []byte("AT+RST")},
		{name: "hex no separators", hex: true, input: "0102FF", expected: []byte{0x01, 0x02, 0xff}},
		{name: "hex with spaces", hex: true, input: "01 02 FF", expected: []byte{0x01, 0x02, 0xff}},
		{name: "hex with colons and dashes", hex: true, input: "01:02-ff", expected: []byte{0x01, 0x02, 0xff}},
		{name: "hex with prefixes", hex: true, input: "0x01 0X02", expected: []byte{0x01, 0x02}},
		{name: "odd length hex", hex: true, input: "123", wantErr: true},
		{name: "not hex", hex: true, input: "hello", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendHex = tt.hex
			data, err := parseSendData(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.expected, data), "got %x", data)
		})
	}
}
