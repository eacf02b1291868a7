package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatus_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b ConnectionStatus
		want bool
	}{
		{"same device", Connected("AA"), Connected("AA"), true},
		{"different device", Connected("AA"), Connected("BB"), false},
		{"disconnected ignores expected flag", Disconnected(true), Disconnected(false), true},
		{"connected vs disconnected", Connected("AA"), Disconnected(false), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
			assert.Equal(t, tt.want, tt.b.Equal(tt.a))
		})
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{StatusDeviceDisconnected, "DEVICE_DISCONNECTED(-1)"},
		{StatusTimeout, "TIMEOUT(-5)"},
		{StatusBluetoothDisabled, "BLUETOOTH_DISABLED(-100)"},
		{StatusConnectionCongested, "CONNECTION_CONGESTED(143)"},
		{StatusGattFailure, "GATT_FAILURE(257)"},
		{StatusInsufficientEncryption, "INSUFFICIENT_ENCRYPTION(15)"},
		{StatusGattCorrupted, "GATT_CORRUPTED(133)"},
		{StatusUndefined, "UNDEFINED_STATUS(-2000)"},
		{42, "UNKNOWN_STATUS(42)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusString(tt.code))
		})
	}

	assert.True(t, IsCorruptedClient(StatusGattCorrupted))
	assert.False(t, IsCorruptedClient(StatusGattFailure))
}

func TestStatusError(t *testing.T) {
	cause := &CodedError{Status: StatusWriteNotPermitted, Err: errors.New("att error")}
	err := fmt.Errorf("write rx: %w", NewStatusError(KindGattWrite, cause))

	assert.ErrorIs(t, err, ErrGattWrite)
	assert.NotErrorIs(t, err, ErrGattRead)
	assert.Equal(t, StatusWriteNotPermitted, StatusOf(err))
	assert.Contains(t, err.Error(), "WRITE_NOT_PERMITTED(3)")

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindGattWrite, serr.Kind)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusTimeout, StatusOf(fmt.Errorf("read: %w", ErrTimeout)))
	assert.Equal(t, StatusDeviceDisconnected, StatusOf(ErrDeviceNotConnected))
	assert.Equal(t, StatusUndefined, StatusOf(errors.New("boom")))
}

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"180F", "180f"},
		{"0x2902", "2902"},
		{"0000180d-0000-1000-8000-00805f9b34fb", "180d"},
		{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"6e400001b5a3f393e0a9e50e24dcca9e", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"zz12", ""},
		{"not-a-uuid", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeUUID(tt.in))
		})
	}
}

func TestValidateUUID(t *testing.T) {
	got, err := ValidateUUID("180F", "2A19")
	require.NoError(t, err)
	assert.Equal(t, []string{"180f", "2a19"}, got)

	_, err = ValidateUUID()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ValidateUUID("180F", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ValidateUUID("bogus")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestProfile(t *testing.T) {
	rx := &Characteristic{ServiceUUID: "6e400001b5a3f393e0a9e50e24dcca9e", UUID: "6e400002b5a3f393e0a9e50e24dcca9e", Properties: PropWrite | PropWriteNR}
	tx := &Characteristic{ServiceUUID: "6e400001b5a3f393e0a9e50e24dcca9e", UUID: "6e400003b5a3f393e0a9e50e24dcca9e", Properties: PropNotify}
	battery := &Characteristic{ServiceUUID: "180f", UUID: "2a19", Properties: PropRead | PropNotify}

	p := NewProfile([]*Service{
		{UUID: "6e400001b5a3f393e0a9e50e24dcca9e", Characteristics: []*Characteristic{rx, tx}},
		{UUID: "180f", Characteristics: []*Characteristic{battery}},
	})

	got, err := p.Characteristic("6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	require.NoError(t, err)
	assert.Same(t, rx, got)
	assert.True(t, got.CanWrite())
	assert.False(t, got.CanNotify())

	got, err = p.Characteristic("", "2A19")
	require.NoError(t, err)
	assert.Same(t, battery, got)

	_, err = p.Characteristic("180F", "2A1A")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "characteristic", nf.Resource)

	_, err = p.Service("180D")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, `service "180D" not found`, err.Error())

	assert.Len(t, p.Services(), 2)
	assert.Equal(t, "180f", p.Services()[0].UUID)
}

func TestPropertyString(t *testing.T) {
	assert.Equal(t, "read,notify", (PropRead | PropNotify).String())
	assert.True(t, (PropWrite | PropWriteNR).Has(PropWrite))
	assert.False(t, PropWriteNR.Has(PropWrite))

	p, err := ParseProperties("read, Write-Without-Response,notify")
	require.NoError(t, err)
	assert.Equal(t, PropRead|PropWriteNR|PropNotify, p)

	_, err = ParseProperties("read,fly")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

type stubGate struct {
	results map[string]bool
	err     error
}

func (g stubGate) Request(ctx context.Context, perms []string) (map[string]bool, error) {
	return g.results, g.err
}

func TestRequirePermissions(t *testing.T) {
	ctx := context.Background()
	perms := []string{PermissionScan, PermissionConnect}

	tests := []struct {
		name    string
		gate    PermissionGate
		wantErr bool
	}{
		{"nil gate grants", nil, false},
		{"all granted", stubGate{results: map[string]bool{PermissionScan: true, PermissionConnect: true}}, false},
		{"one denied", stubGate{results: map[string]bool{PermissionScan: true, PermissionConnect: false}}, true},
		{"one missing", stubGate{results: map[string]bool{PermissionConnect: true}}, true},
		{"gate failure", stubGate{err: errors.New("dismissed")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequirePermissions(ctx, tt.gate, perms...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPermission)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
