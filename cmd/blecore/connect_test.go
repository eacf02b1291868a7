//go:build test

package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// ConnectTestSuite runs the connect command against the default peripheral.
type ConnectTestSuite struct {
	CommandTestSuite
}

func (s *ConnectTestSuite) TestConnectPrintsProfile() {
	// GOAL: Verify connect reports the link and the discovered profile
	//
	// TEST SCENARIO: connect for a short duration → status line, MTU and every characteristic printed
	out, err := s.ExecuteCommand("connect", TestDeviceAddress1, "-d", "300ms")
	s.Require().NoError(err)

	s.Contains(out, "connected to "+TestDeviceAddress1)
	s.Contains(out, "MTU: ")
	s.Contains(out, "6e400001b5a3f393e0a9e50e24dcca9e")
	s.Contains(out, "6e400003b5a3f393e0a9e50e24dcca9e")
	s.Contains(out, "2a19")
	s.Equal(1, s.Peripheral.Dials())
}

func (s *ConnectTestSuite) TestConnectionLost() {
	// GOAL: Verify an unexpected disconnect ends the command with an error
	//
	// TEST SCENARIO: connect → link invalidated by the transport → "connection lost" and ErrConnectionLost
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, done := s.StartCommand(ctx, "connect", TestDeviceAddress1)
	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "SERVICE")
	}, s.TestTimeout, 10*time.Millisecond)

	s.Peripheral.Client().Invalidate()

	err := s.WaitCommand(done)
	s.ErrorIs(err, ErrConnectionLost)
	s.Contains(out.String(), "connection lost")
}

func (s *ConnectTestSuite) TestConnectInterrupted() {
	ctx, cancel := context.WithCancel(context.Background())
	out, done := s.StartCommand(ctx, "connect", TestDeviceAddress1)
	s.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "SERVICE")
	}, s.TestTimeout, 10*time.Millisecond)

	cancel()
	s.NoError(s.WaitCommand(done))
}

func (s *ConnectTestSuite) TestConnectRequiresAddress() {
	_, err := s.ExecuteCommand("connect")
	s.Require().Error(err)
	s.Contains(err.Error(), "accepts 1 arg")
}

func TestConnectTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectTestSuite))
}
