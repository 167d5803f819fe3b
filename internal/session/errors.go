package session

import "codeberg.org/mutker/canlogd/internal/errors"

const (
	// Conflict Errors
	ErrAlreadyActive = errors.ErrorCode("session_already_active")
	ErrNotActive     = errors.ErrorCode("session_not_active")

	// Lifecycle Errors
	ErrStartFailed     = errors.ErrorCode("session_start_failed")
	ErrShutdownTimeout = errors.ErrorCode("session_shutdown_timeout")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrAlreadyActive:   "Logging is already in progress",
		ErrNotActive:       "Logging is not in progress",
		ErrStartFailed:     "Failed to start logging",
		ErrShutdownTimeout: "Pending log flushes did not finish",
	})
}

// IsConflict reports whether err is a start-while-active or
// stop-while-idle conflict.
func IsConflict(err error) bool {
	return errors.HasCode(err, ErrAlreadyActive) || errors.HasCode(err, ErrNotActive)
}
