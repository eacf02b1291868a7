package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/groutine"
)

// ErrNoRadioControl is returned by the radio operations on platforms where
// the adapter power state cannot be changed by the process.
var ErrNoRadioControl = fmt.Errorf("adapter power control: %w", errors.ErrUnsupported)

// radioPollInterval bounds how long RestartRadio goes without re-reading
// the adapter power state when no change is reported.
const radioPollInterval = 100 * time.Millisecond

// watchAdapter seeds the adapter state and follows radio changes for the
// lifetime of the manager.
func (m *Manager) watchAdapter() {
	if on, err := m.radio.Powered(m.ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to read adapter power state")
	} else {
		m.adapter.Publish(adapterState(on))
	}

	states, err := m.radio.Watch(m.ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to watch adapter state")
		return
	}
	groutine.Go(m.ctx, "adapter-state-watch", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-states:
				if !ok {
					return
				}
				if m.adapter.Publish(s) {
					m.logger.WithField("state", s).Info("Adapter state changed")
				}
			}
		}
	})
}

func adapterState(on bool) device.AdapterState {
	if on {
		return device.AdapterOn
	}
	return device.AdapterOff
}

// HasRadioControl reports whether the adapter power can be read and changed.
func (m *Manager) HasRadioControl() bool {
	return m.radio != nil
}

// EnableRadio powers the adapter on. Returns true if a change was
// triggered, false if it was already on.
func (m *Manager) EnableRadio(ctx context.Context) (bool, error) {
	return m.setRadio(ctx, true)
}

// DisableRadio powers the adapter off. Returns true if a change was
// triggered, false if it was already off.
func (m *Manager) DisableRadio(ctx context.Context) (bool, error) {
	return m.setRadio(ctx, false)
}

func (m *Manager) setRadio(ctx context.Context, on bool) (bool, error) {
	if m.radio == nil {
		return false, ErrNoRadioControl
	}
	powered, err := m.radio.Powered(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read adapter state: %w", err)
	}
	if powered == on {
		return false, nil
	}
	if err := m.radio.SetPowered(ctx, on); err != nil {
		return false, fmt.Errorf("failed to power adapter %s: %w", adapterState(on), err)
	}
	m.logger.WithField("state", adapterState(on)).Info("Adapter power change requested")
	return true, nil
}

// RestartRadio powers the adapter off and on again and waits until the
// adapter itself reports being on. The cached adapter state is not trusted
// for this, it may still hold the On from before the restart.
func (m *Manager) RestartRadio(ctx context.Context) error {
	if m.radio == nil {
		return ErrNoRadioControl
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.RadioRestartTimeout)
	defer cancel()

	if _, err := m.DisableRadio(ctx); err != nil {
		return err
	}

	settle := time.NewTimer(m.opts.RadioSettle)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-ctx.Done():
		return restartErr(ctx)
	}

	states, unsubscribe := m.adapter.Subscribe()
	defer unsubscribe()

	if _, err := m.EnableRadio(ctx); err != nil {
		return err
	}

	poll := time.NewTicker(radioPollInterval)
	defer poll.Stop()
	for {
		on, err := m.radio.Powered(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Debug("Failed to read adapter power state")
		}
		if err == nil && on {
			m.adapter.Publish(device.AdapterOn)
			m.logger.Info("Adapter restarted")
			return nil
		}

		select {
		case _, ok := <-states:
			if !ok {
				return context.Cause(m.ctx)
			}
		case <-poll.C:
		case <-ctx.Done():
			return restartErr(ctx)
		}
	}
}

func restartErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: adapter did not come back on", device.ErrTimeout)
	}
	return ctx.Err()
}
