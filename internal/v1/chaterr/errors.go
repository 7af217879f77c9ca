// Package chaterr defines the error kinds the Chat Routing & Presence Engine
// surfaces across its component boundaries. Handlers match against these
// sentinels with errors.Is rather than switching on string messages.
package chaterr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth covers missing, malformed, unsigned-invalid, or expired credentials.
	ErrAuth = errors.New("auth error")

	// ErrRoomClosed means the operation targets a visitor whose ephemeral
	// room record is absent.
	ErrRoomClosed = errors.New("room closed")

	// ErrCapacityExceeded means adding a staff would exceed max_staffs_in_chat.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrPermissionDenied means the caller's role is not permitted for the
	// requested action.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidation means a required field was missing or invalid.
	ErrValidation = errors.New("validation error")

	// ErrConflict means a unique-constraint violation on a create that isn't
	// naturally idempotent.
	ErrConflict = errors.New("conflict")

	// ErrTransientStorage means cache/DB was unreachable after bounded retries.
	ErrTransientStorage = errors.New("transient storage error")
)

// Validation wraps ErrValidation with the offending field name.
func Validation(field, reason string) error {
	return fmt.Errorf("%s: %w (%s)", field, ErrValidation, reason)
}
