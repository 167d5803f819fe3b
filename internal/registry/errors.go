package registry

import "codeberg.org/mutker/canlogd/internal/errors"

const (
	// Definition Errors
	ErrDefinitionInvalid    = errors.ErrorCode("registry_definition_invalid")
	ErrDefinitionUnreadable = errors.ErrorCode("registry_definition_unreadable")
	ErrNoDefinitions        = errors.ErrorCode("registry_no_definitions")
	ErrStoreDefinition      = errors.ErrorCode("registry_store_definition_failed")

	// Lookup Errors
	ErrMessageNotFound = errors.ErrorCode("registry_message_not_found")

	// Decode Errors
	ErrDecodeFailed = errors.ErrorCode("registry_decode_failed")

	// Watch Errors
	ErrWatchFailed = errors.ErrorCode("registry_watch_failed")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrDefinitionInvalid:    "Invalid definition source",
		ErrDefinitionUnreadable: "Definition source could not be read",
		ErrNoDefinitions:        "No definition source could be loaded",
		ErrStoreDefinition:      "Failed to store definition source",
		ErrMessageNotFound:      "No message defined for frame ID",
		ErrDecodeFailed:         "Failed to decode frame",
		ErrWatchFailed:          "Failed to watch definitions directory",
	})
}

// IsDefinitionError reports whether err stems from a bad or unreadable
// definition source.
func IsDefinitionError(err error) bool {
	return errors.HasCode(err, ErrDefinitionInvalid) ||
		errors.HasCode(err, ErrDefinitionUnreadable) ||
		errors.HasCode(err, ErrNoDefinitions)
}
