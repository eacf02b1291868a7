package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/pkg/connection"
	"github.com/srg/blecore/pkg/uart"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
)

// serialLink is a connection manager with the serial channel registered on it.
type serialLink struct {
	manager *connection.Manager
	channel *uart.Channel
}

// openSerialLink connects to address and brings up the serial channel. The
// caller must Close the link.
func openSerialLink(ctx context.Context, address string, logger *logrus.Logger, progress func(string)) (*serialLink, error) {
	manager, err := connection.NewManager(logger, appConfig.ConnectionOptions())
	if err != nil {
		return nil, err
	}
	channel, err := uart.New(manager, logger, appConfig.UARTOptions())
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	progress("Connecting")
	if err := manager.Connect(ctx, address); err != nil {
		progress("Failed")
		_ = manager.Close()
		return nil, fmt.Errorf("failed to connect to device %s: %w", address, err)
	}
	progress("Connected")
	return &serialLink{manager: manager, channel: channel}, nil
}

func (l *serialLink) Close() {
	_ = l.manager.Disconnect(context.Background())
	_ = l.manager.Close()
}

// lost returns a channel closed once the link drops without being asked to.
// It stays open if ctx ends first.
func (l *serialLink) lost(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	statuses := l.manager.ConnectionStatuses(ctx)
	go func() {
		for st := range statuses {
			if !st.Connected && !st.IsExpected {
				close(ch)
				return
			}
		}
	}()
	return ch
}

func statusLine(st device.ConnectionStatus) string {
	if st.Connected {
		return okColor.Sprintf("connected to %s", st.DeviceID)
	}
	if st.IsExpected {
		return warnColor.Sprint("disconnected")
	}
	return errColor.Sprint("connection lost")
}

func printProfile(out io.Writer, profile *device.Profile, mtu int) error {
	fmt.Fprintf(out, "MTU: %d\n\n", mtu)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tCHARACTERISTIC\tPROPERTIES")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, s := range profile.Services() {
		if len(s.Characteristics) == 0 {
			fmt.Fprintf(w, "%s\t\t\n", s.UUID)
			continue
		}
		for i, c := range s.Characteristics {
			svc := ""
			if i == 0 {
				svc = s.UUID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", svc, c.UUID, c.Properties)
		}
	}
	return w.Flush()
}
