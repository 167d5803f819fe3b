package frame

import "codeberg.org/mutker/canlogd/internal/errors"

const (
	// Source Errors
	ErrSourceUnavailable = errors.ErrorCode("frame_source_unavailable")
	ErrSourceIO          = errors.ErrorCode("frame_source_io_failed")
	ErrSourceClosed      = errors.ErrorCode("frame_source_closed")

	// ErrTimeout is returned by Next when no frame arrived in time. It is
	// not a failure.
	ErrTimeout = errors.ErrorCode("frame_timeout")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrSourceUnavailable: "Frame source unavailable",
		ErrSourceIO:          "Frame source I/O failed",
		ErrSourceClosed:      "Frame source closed",
		ErrTimeout:           "No frame within timeout",
	})
}

// IsTimeout reports whether err is a frame-wait timeout.
func IsTimeout(err error) bool {
	return errors.HasCode(err, ErrTimeout)
}

var timeoutErr = errors.New().New(ErrTimeout)
