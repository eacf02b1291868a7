package device

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service" or "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Operation errors
var (
	ErrDeviceNotConnected     = errors.New("device not connected")
	ErrGattEnableNotification = errors.New("failed to enable notifications")
	ErrPermission             = errors.New("permission not granted")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrInvalidLength          = errors.New("invalid length")
	ErrTimeout                = errors.New("timeout")
	ErrServiceNotSupported    = errors.New("required service not supported")
)

// ErrorKind identifies the operation a StatusError came from.
type ErrorKind string

const (
	KindDeviceConnection    ErrorKind = "device_connection"
	KindDeviceDisconnection ErrorKind = "device_disconnection"
	KindGattRead            ErrorKind = "gatt_read"
	KindGattWrite           ErrorKind = "gatt_write"
)

// StatusError is a transport failure classified by operation and carrying
// the GATT status code reported by the transport.
type StatusError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, StatusString(e.Status))
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, StatusString(e.Status), e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare StatusError values by Kind
func (e *StatusError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons against StatusError kinds
var (
	ErrDeviceConnection    = &StatusError{Kind: KindDeviceConnection}
	ErrDeviceDisconnection = &StatusError{Kind: KindDeviceDisconnection}
	ErrGattRead            = &StatusError{Kind: KindGattRead}
	ErrGattWrite           = &StatusError{Kind: KindGattWrite}
)

// NewStatusError classifies err under kind using the status code carried by
// err, if any.
func NewStatusError(kind ErrorKind, err error) *StatusError {
	return &StatusError{Kind: kind, Status: StatusOf(err), Err: err}
}

// ScannerError reports a scan that could not start or failed mid-session.
type ScannerError struct {
	Code int
	Err  error
}

func (e *ScannerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("scanner error %d", e.Code)
	}
	return fmt.Sprintf("scanner error %d: %v", e.Code, e.Err)
}

func (e *ScannerError) Unwrap() error {
	return e.Err
}

// CodedError attaches a GATT status code to a transport error.
type CodedError struct {
	Status int
	Err    error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", StatusString(e.Status), e.Err)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// StatusOf extracts the status code from err. Errors that carry no code
// report StatusUndefined.
func StatusOf(err error) int {
	if err == nil {
		return StatusSuccess
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Status
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Status
	}
	if errors.Is(err, ErrTimeout) {
		return StatusTimeout
	}
	if errors.Is(err, ErrDeviceNotConnected) {
		return StatusDeviceDisconnected
	}
	return StatusUndefined
}
