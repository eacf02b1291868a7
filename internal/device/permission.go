package device

import (
	"context"
	"fmt"
	"strings"
)

// Permissions commonly requested before using the radio.
const (
	PermissionScan    = "bluetooth.scan"
	PermissionConnect = "bluetooth.connect"
)

// PermissionGate is the platform authorization prompt. Request returns one
// result per requested permission once the user has answered all of them.
type PermissionGate interface {
	Request(ctx context.Context, perms []string) (map[string]bool, error)
}

// KeepAlive is told when a connection session starts and ends so the host
// can keep the process in the foreground.
type KeepAlive interface {
	Start()
	Stop()
}

// RequirePermissions asks gate for perms and succeeds only when every one
// of them came back granted. A nil gate grants everything.
func RequirePermissions(ctx context.Context, gate PermissionGate, perms ...string) error {
	if gate == nil || len(perms) == 0 {
		return nil
	}

	results, err := gate.Request(ctx, perms)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}

	var denied []string
	for _, p := range perms {
		if granted, ok := results[p]; !ok || !granted {
			denied = append(denied, p)
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("%w: %s", ErrPermission, strings.Join(denied, ", "))
	}
	return nil
}
