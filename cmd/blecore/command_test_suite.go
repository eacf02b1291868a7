//go:build test

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blecore/internal/testutils"
	"github.com/srg/blecore/pkg/config"
)

// Test device addresses for consistent mock device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"

	txUUID = "6e400003b5a3f393e0a9e50e24dcca9e"
)

// fastConfig shortens every wait so command tests finish quickly.
const fastConfig = `
connection:
  connect_timeout: 2s
  operation_timeout: 1s
  status_debounce: 20ms
  radio_settle: 20ms
  radio_restart_timeout: 2s
`

// CommandTestSuite extends MockBLEPeripheralSuite with command testing utilities.
// All cmd/blecore test suites should embed this instead of MockBLEPeripheralSuite.
type CommandTestSuite struct {
	testutils.MockBLEPeripheralSuite

	// ExtraConfig is appended to fastConfig for every command run.
	ExtraConfig string
	configPath  string
}

// SetupTest resets command state, writes the config file and installs the
// mocked peripheral. Suites customizing the peripheral call it last.
func (s *CommandTestSuite) SetupTest() {
	resetCommandFlags(rootCmd)
	appConfig = config.DefaultConfig()

	s.configPath = filepath.Join(s.T().TempDir(), "blecore.yaml")
	s.Require().NoError(os.WriteFile(s.configPath, []byte(fastConfig+s.ExtraConfig), 0o600))

	s.MockBLEPeripheralSuite.SetupTest()
}

// resetCommandFlags restores every flag of cmd and its children to its
// default and clears the changed marks left by the previous run.
func resetCommandFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetCommandFlags(c)
	}
}

// ExecuteCommand runs the root command with args and the suite config,
// returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), nil, args...)
}

// ExecuteCommandContext runs the root command with ctx and stdin.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	buf := new(syncBuffer)
	err := s.execute(ctx, buf, stdin, args)
	return buf.String(), err
}

// StartCommand runs the root command in the background. The returned buffer
// fills as the command writes; the channel yields its error once it exits.
func (s *CommandTestSuite) StartCommand(ctx context.Context, args ...string) (*syncBuffer, <-chan error) {
	buf := new(syncBuffer)
	done := make(chan error, 1)
	go func() {
		done <- s.execute(ctx, buf, nil, args)
	}()
	return buf, done
}

// WaitCommand returns the error of a command started with StartCommand.
func (s *CommandTestSuite) WaitCommand(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(s.TestTimeout):
		s.FailNow("command did not exit")
		return nil
	}
}

func (s *CommandTestSuite) execute(ctx context.Context, buf io.Writer, stdin io.Reader, args []string) error {
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetArgs(append(args, "--config", s.configPath))
	// cobra keeps the first context a subcommand ran with
	for _, c := range rootCmd.Commands() {
		c.SetContext(ctx)
	}
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	}()

	return rootCmd.ExecuteContext(ctx)
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
