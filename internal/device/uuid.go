package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal form: lowercase hex
// without dashes. A 0x prefix is stripped and 128-bit UUIDs built on the
// Bluetooth SIG base are shortened to their 16-bit form. Returns an empty
// string for malformed input.
func NormalizeUUID(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")

	switch len(s) {
	case 4, 8:
		if !isHex(s) {
			return ""
		}
		return s
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return ""
	}
	full := strings.ReplaceAll(u.String(), "-", "")
	if strings.HasPrefix(full, "0000") && strings.HasSuffix(full, sigBaseSuffix) {
		return full[4:8]
	}
	return full
}

// NormalizeUUIDs normalizes every entry of uuids, dropping malformed ones.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		if n := NormalizeUUID(u); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("%w: at least one UUID is required", ErrInvalidArgument)
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if u == "" {
			return nil, fmt.Errorf("%w: UUID at index %d cannot be empty", ErrInvalidArgument, i)
		}
		normalized := NormalizeUUID(u)
		if normalized == "" {
			return nil, fmt.Errorf("%w: invalid UUID format at index %d: %s", ErrInvalidArgument, i, u)
		}
		result = append(result, normalized)
	}
	return result, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
