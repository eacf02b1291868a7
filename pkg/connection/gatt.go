package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/pkg/codec"
)

// WriteMode selects how Write delivers a payload.
type WriteMode int

const (
	// WriteDefault writes with response, fragmented to MTU-3 byte chunks.
	WriteDefault WriteMode = iota
	// WriteNoResponse writes the payload in a single unacknowledged write.
	WriteNoResponse
)

func (w WriteMode) String() string {
	if w == WriteNoResponse {
		return "no_response"
	}
	return "default"
}

// attHeaderSize is subtracted from the MTU to get the write payload size.
const attHeaderSize = 3

// request is one GATT operation waiting for the queue.
type request struct {
	name string
	ctx  context.Context
	fn   func() error
	done chan error
}

// serveRequests runs queued operations one at a time.
func (m *Manager) serveRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.requests:
			m.run(req)
		}
	}
}

// run executes req bounded by the operation timeout. The caller is released
// on timeout, but the queue waits for the transport call to return so that
// a late completion never overlaps the next operation.
func (m *Manager) run(req *request) {
	result := make(chan error, 1)
	groutine.Go(req.ctx, "gatt-op-"+req.name, func(context.Context) {
		result <- req.fn()
	})

	timer := time.NewTimer(m.opts.OperationTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		req.done <- err
		return
	case <-timer.C:
		req.done <- fmt.Errorf("%w: %s did not complete within %s", device.ErrTimeout, req.name, m.opts.OperationTimeout)
	case <-req.ctx.Done():
		req.done <- req.ctx.Err()
	}

	if late := <-result; late != nil {
		m.logger.WithError(late).WithField("op", req.name).Debug("Abandoned operation completed with error")
	}
}

// do queues fn as a single-flight operation against client.
func (m *Manager) do(ctx context.Context, name string, client device.Client, fn func() error) error {
	req := &request{
		name: name,
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case m.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return context.Cause(m.ctx)
	}

	var err error
	select {
	case err = <-req.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil && device.IsCorruptedClient(device.StatusOf(err)) {
		m.logger.WithField("op", name).Warn("Transport client is corrupted, discarding it")
		groutine.Go(context.Background(), "discard-corrupted-client", func(context.Context) {
			m.teardown(client)
		})
	}
	return err
}

// current returns the connected client and resolves uuid against its
// profile.
func (m *Manager) current(uuid string) (device.Client, *device.Characteristic, error) {
	m.connMutex.RLock()
	client, profile := m.client, m.profile
	m.connMutex.RUnlock()

	if client == nil {
		return nil, nil, device.ErrDeviceNotConnected
	}
	c, err := profile.Characteristic("", uuid)
	if err != nil {
		return nil, nil, err
	}
	return client, c, nil
}

// NegotiateMTU requests size and records the MTU granted by the peer.
func (m *Manager) NegotiateMTU(ctx context.Context, size int) (int, error) {
	if size < 23 || size > 517 {
		return 0, fmt.Errorf("%w: MTU %d out of range", device.ErrInvalidArgument, size)
	}
	m.connMutex.RLock()
	client := m.client
	m.connMutex.RUnlock()
	if client == nil {
		return 0, device.ErrDeviceNotConnected
	}

	var granted int
	err := m.do(ctx, "exchange-mtu", client, func() error {
		var err error
		granted, err = client.ExchangeMTU(size)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("MTU exchange failed: %w", err)
	}

	m.connMutex.Lock()
	if m.client == client {
		m.mtu = granted
	}
	m.connMutex.Unlock()

	m.logger.WithFields(logrus.Fields{
		"requested": size,
		"granted":   granted,
	}).Info("MTU negotiated")
	return granted, nil
}

// Read reads the value of the characteristic with the given UUID.
func (m *Manager) Read(ctx context.Context, uuid string) ([]byte, error) {
	client, c, err := m.current(uuid)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = m.do(ctx, "read", client, func() error {
		var err error
		data, err = client.Read(c)
		return err
	})
	if err != nil {
		return nil, device.NewStatusError(device.KindGattRead, err)
	}
	return data, nil
}

// Write writes data to the characteristic with the given UUID.
func (m *Manager) Write(ctx context.Context, uuid string, data []byte, mode WriteMode) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", device.ErrInvalidArgument)
	}
	client, c, err := m.current(uuid)
	if err != nil {
		return err
	}
	if !c.CanWrite() {
		return device.NewStatusError(device.KindGattWrite, &device.CodedError{
			Status: device.StatusWriteNotPermitted,
			Err:    fmt.Errorf("characteristic %s is %s", c.UUID, c.Properties),
		})
	}

	m.writeMutex.Lock()
	defer m.writeMutex.Unlock()

	if mode == WriteNoResponse {
		if err := m.do(ctx, "write-no-response", client, func() error {
			return client.Write(c, data, true)
		}); err != nil {
			return device.NewStatusError(device.KindGattWrite, err)
		}
		m.logger.WithFields(logrus.Fields{"uuid": c.UUID, "bytes": len(data)}).Debug("Wrote to characteristic")
		return nil
	}

	chunkSize := m.MTU() - attHeaderSize
	for _, chunk := range codec.Chunks(data, chunkSize) {
		if err := m.do(ctx, "write", client, func() error {
			return client.Write(c, chunk, false)
		}); err != nil {
			return device.NewStatusError(device.KindGattWrite, err)
		}
		m.logger.WithFields(logrus.Fields{"uuid": c.UUID, "bytes": len(chunk)}).Debug("Wrote chunk to characteristic")
	}
	return nil
}

// Subscribe enables notifications on the characteristic with the given UUID
// and delivers payloads to onData. Subscribing twice is a no-op.
func (m *Manager) Subscribe(ctx context.Context, uuid string, onData func([]byte)) error {
	client, c, err := m.current(uuid)
	if err != nil {
		return err
	}
	if !c.CanNotify() {
		return fmt.Errorf("%w: characteristic %s is %s", device.ErrGattEnableNotification, c.UUID, c.Properties)
	}

	m.connMutex.RLock()
	_, subscribed := m.registry.Get(c.UUID)
	m.connMutex.RUnlock()
	if subscribed {
		return nil
	}

	if err := m.do(ctx, "subscribe", client, func() error {
		return client.Subscribe(c, onData)
	}); err != nil {
		return fmt.Errorf("%w: %w", device.ErrGattEnableNotification, err)
	}

	m.connMutex.Lock()
	if m.client == client {
		m.registry.Set(c.UUID, c)
	}
	m.connMutex.Unlock()

	m.logger.WithField("uuid", c.UUID).Info("Subscribed to notifications")
	return nil
}

// Unsubscribe disables notifications on the characteristic with the given
// UUID. Unsubscribing a characteristic that is not subscribed only logs a
// warning.
func (m *Manager) Unsubscribe(ctx context.Context, uuid string) error {
	m.connMutex.RLock()
	client := m.client
	c, subscribed := m.registry.Get(device.NormalizeUUID(uuid))
	m.connMutex.RUnlock()

	if client == nil {
		return device.ErrDeviceNotConnected
	}
	if !subscribed {
		m.logger.WithField("uuid", uuid).Warn("Characteristic is not subscribed, nothing to unsubscribe")
		return nil
	}

	if err := m.do(ctx, "unsubscribe", client, func() error {
		return client.Unsubscribe(c)
	}); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", c.UUID, err)
	}

	m.connMutex.Lock()
	if m.client == client {
		m.registry.Delete(c.UUID)
	}
	m.connMutex.Unlock()

	m.logger.WithField("uuid", c.UUID).Info("Unsubscribed from notifications")
	return nil
}

// UnsubscribeAll unsubscribes every registered characteristic in
// subscription order.
func (m *Manager) UnsubscribeAll(ctx context.Context) error {
	var errs []error
	for _, uuid := range m.Subscriptions() {
		if err := m.Unsubscribe(ctx, uuid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
