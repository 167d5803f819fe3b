package artifacts

import "codeberg.org/mutker/canlogd/internal/errors"

const (
	ErrWrite    = errors.ErrorCode("artifact_write_failed")
	ErrDelete   = errors.ErrorCode("artifact_delete_failed")
	ErrList     = errors.ErrorCode("artifact_list_failed")
	ErrNotFound = errors.ErrorCode("artifact_not_found")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrWrite:    "Failed to write log artifact",
		ErrDelete:   "Failed to delete log artifact",
		ErrList:     "Failed to list log artifacts",
		ErrNotFound: "Log artifact not found",
	})
}
