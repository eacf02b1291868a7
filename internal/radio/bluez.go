// Package radio controls the local Bluetooth adapter power through BlueZ
// over the system D-Bus.
package radio

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/groutine"
)

const (
	bluezBus        = "org.bluez"
	bluezAdapter    = "org.bluez.Adapter1"
	dbusProperties  = "org.freedesktop.DBus.Properties"
	propertyPowered = "Powered"

	// DefaultAdapter is the controller used when none is configured.
	DefaultAdapter = "hci0"
)

// BlueZ implements device.Radio for a BlueZ adapter.
type BlueZ struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	path   dbus.ObjectPath
	logger *logrus.Logger
}

// NewBlueZ connects to the system bus and binds to the named adapter.
func NewBlueZ(adapter string, logger *logrus.Logger) (*BlueZ, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if adapter == "" {
		adapter = DefaultAdapter
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	path := dbus.ObjectPath("/org/bluez/" + adapter)
	return &BlueZ{
		conn:   conn,
		obj:    conn.Object(bluezBus, path),
		path:   path,
		logger: logger,
	}, nil
}

// Powered reports whether the adapter is powered on.
func (b *BlueZ) Powered(ctx context.Context) (bool, error) {
	v, err := b.obj.GetProperty(bluezAdapter + "." + propertyPowered)
	if err != nil {
		return false, fmt.Errorf("read %s.%s: %w", bluezAdapter, propertyPowered, err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s.%s has unexpected type %T", bluezAdapter, propertyPowered, v.Value())
	}
	return on, nil
}

// SetPowered switches the adapter on or off.
func (b *BlueZ) SetPowered(ctx context.Context, on bool) error {
	b.logger.WithFields(logrus.Fields{
		"adapter": b.path,
		"powered": on,
	}).Info("Setting adapter power")

	call := b.obj.CallWithContext(ctx, dbusProperties+".Set", 0, bluezAdapter, propertyPowered, dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("set %s.%s: %w", bluezAdapter, propertyPowered, call.Err)
	}
	return nil
}

// Watch streams adapter power changes until ctx is done.
func (b *BlueZ) Watch(ctx context.Context) (<-chan device.AdapterState, error) {
	if err := b.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(b.path),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return nil, fmt.Errorf("failed to watch adapter: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	b.conn.Signal(sigCh)

	out := make(chan device.AdapterState, 4)
	groutine.Go(ctx, "bluez-adapter-watch", func(ctx context.Context) {
		defer close(out)
		defer b.conn.RemoveSignal(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				state, ok := poweredChange(sig, b.path)
				if !ok {
					continue
				}
				b.logger.WithField("state", state).Debug("Adapter state changed")
				select {
				case out <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	})
	return out, nil
}

// poweredChange extracts the Powered value from a PropertiesChanged signal
// emitted for the adapter at path.
func poweredChange(sig *dbus.Signal, path dbus.ObjectPath) (device.AdapterState, bool) {
	if sig == nil || sig.Path != path || sig.Name != dbusProperties+".PropertiesChanged" {
		return device.AdapterOff, false
	}
	if len(sig.Body) < 2 {
		return device.AdapterOff, false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != bluezAdapter {
		return device.AdapterOff, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return device.AdapterOff, false
	}
	v, ok := changed[propertyPowered]
	if !ok {
		return device.AdapterOff, false
	}
	on, ok := v.Value().(bool)
	if !ok {
		return device.AdapterOff, false
	}
	if on {
		return device.AdapterOn, true
	}
	return device.AdapterOff, true
}
