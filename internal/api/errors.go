package api

import (
	"net/http"

	"codeberg.org/mutker/canlogd/internal/artifacts"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/registry"
	"codeberg.org/mutker/canlogd/internal/session"
)

const (
	ErrBadRequest = errors.ErrorCode("api_bad_request")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrBadRequest: "Malformed request",
	})
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch {
	case session.IsConflict(err):
		return http.StatusConflict
	case errors.HasCode(err, artifacts.ErrNotFound),
		errors.HasCode(err, registry.ErrMessageNotFound):
		return http.StatusNotFound
	case registry.IsDefinitionError(err):
		return http.StatusUnprocessableEntity
	case errors.HasCode(err, ErrBadRequest),
		errors.HasCode(err, errors.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
