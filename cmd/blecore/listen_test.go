//go:build test

package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// ListenTestSuite runs the listen command with 4 byte frames.
type ListenTestSuite struct {
	CommandTestSuite
}

func (s *ListenTestSuite) SetupTest() {
	s.ExtraConfig = "uart:\n  frame_size: 4\n"
	s.CommandTestSuite.SetupTest()
}

// notify pushes data once the TX subscription of the current link exists.
func (s *ListenTestSuite) notify(data []byte) {
	s.Require().Eventually(func() bool {
		client := s.Peripheral.Client()
		return client != nil && client.Notify(txUUID, data)
	}, s.TestTimeout, 10*time.Millisecond)
}

func (s *ListenTestSuite) TestListenPrintsFrames() {
	// GOAL: Verify notifications are reassembled into frames and printed
	//
	// TEST SCENARIO: 4 byte frames, one 6 byte and one 2 byte notification → two hex lines, exit at --count
	out, done := s.StartCommand(context.Background(), "listen", TestDeviceAddress1, "--hex", "-n", "2")

	s.notify([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	s.notify([]byte{0x07, 0x08})

	s.Require().NoError(s.WaitCommand(done))
	s.Contains(out.String(), "01020304\n05060708\n")
}

func (s *ListenTestSuite) TestListenText() {
	out, done := s.StartCommand(context.Background(), "listen", TestDeviceAddress1, "-n", "1")
	s.notify([]byte("ping"))

	s.Require().NoError(s.WaitCommand(done))
	s.Contains(out.String(), "ping\n")
}

func (s *ListenTestSuite) TestListenConnectionLost() {
	out, done := s.StartCommand(context.Background(), "listen", TestDeviceAddress1)
	s.notify([]byte("abcd"))
	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "abcd")
	}, s.TestTimeout, 10*time.Millisecond)

	s.Peripheral.Client().Invalidate()
	s.ErrorIs(s.WaitCommand(done), ErrConnectionLost)
}

func (s *ListenTestSuite) TestListenDuration() {
	_, err := s.ExecuteCommand("listen", TestDeviceAddress1, "-d", "200ms")
	s.NoError(err)
}

func (s *ListenTestSuite) TestListenNegativeCount() {
	_, err := s.ExecuteCommand("listen", TestDeviceAddress1, "-n", "-1")
	s.ErrorContains(err, "--count must not be negative")
}

func TestListenTestSuite(t *testing.T) {
	suite.Run(t, new(ListenTestSuite))
}
