package device

import "fmt"

// GATT and transport status codes. Positive values are ATT/HCI codes
// reported by the peer or controller; negative values are raised locally.
const (
	StatusSuccess                    = 0
	StatusReadNotPermitted           = 2
	StatusWriteNotPermitted          = 3
	StatusInsufficientAuthentication = 5
	StatusRequestNotSupported        = 6
	StatusInvalidOffset              = 7
	StatusInvalidAttributeLength     = 13
	StatusInsufficientEncryption     = 15
	StatusGattCorrupted              = 133
	StatusConnectionCongested        = 143
	StatusGattFailure                = 257

	StatusDeviceDisconnected = -1
	StatusDeviceNotSupported = -2
	StatusNullAttribute      = -3
	StatusRequestFailed      = -4
	StatusTimeout            = -5
	StatusValidation         = -6
	StatusCancelled          = -7
	StatusBluetoothDisabled  = -100
	StatusUndefined          = -2000
)

var statusNames = map[int]string{
	StatusSuccess:                    "SUCCESS",
	StatusReadNotPermitted:           "READ_NOT_PERMITTED",
	StatusWriteNotPermitted:          "WRITE_NOT_PERMITTED",
	StatusInsufficientAuthentication: "INSUFFICIENT_AUTHENTICATION",
	StatusRequestNotSupported:        "REQUEST_NOT_SUPPORTED",
	StatusInvalidOffset:              "INVALID_OFFSET",
	StatusInvalidAttributeLength:     "INVALID_ATTRIBUTE_LENGTH",
	StatusInsufficientEncryption:     "INSUFFICIENT_ENCRYPTION",
	StatusGattCorrupted:              "GATT_CORRUPTED",
	StatusConnectionCongested:        "CONNECTION_CONGESTED",
	StatusGattFailure:                "GATT_FAILURE",
	StatusDeviceDisconnected:         "DEVICE_DISCONNECTED",
	StatusDeviceNotSupported:         "DEVICE_NOT_SUPPORTED",
	StatusNullAttribute:              "NULL_ATTRIBUTE",
	StatusRequestFailed:              "REQUEST_FAILED",
	StatusTimeout:                    "TIMEOUT",
	StatusValidation:                 "VALIDATION",
	StatusCancelled:                  "CANCELLED",
	StatusBluetoothDisabled:          "BLUETOOTH_DISABLED",
	StatusUndefined:                  "UNDEFINED_STATUS",
}

// StatusName returns the category name of code, or UNKNOWN_STATUS for codes
// outside the table.
func StatusName(code int) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return "UNKNOWN_STATUS"
}

// StatusString formats code as NAME(code).
func StatusString(code int) string {
	return fmt.Sprintf("%s(%d)", StatusName(code), code)
}

// IsCorruptedClient reports whether code means the underlying client object
// is unusable and has to be recreated before any retry.
func IsCorruptedClient(code int) bool {
	return code == StatusGattCorrupted
}
