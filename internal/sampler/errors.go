package sampler

import "codeberg.org/mutker/canlogd/internal/errors"

const (
	ErrAlreadyRunning = errors.ErrorCode("sampler_already_running")
	ErrStopTimeout    = errors.ErrorCode("sampler_stop_timeout")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrAlreadyRunning: "Sampler is already running",
		ErrStopTimeout:    "Sampler did not stop in time",
	})
}
