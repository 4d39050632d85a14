// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable indicates a transient persistence failure (connection
// loss, statement timeout). Callers inside the async ingestion path may retry;
// everything else treats it as fatal for the current operation.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrUnknownRepository is returned when no subscription exists for a
// repository identifier. It is not a failure: deliveries for unregistered
// repositories are legitimately ignored.
var ErrUnknownRepository = errors.New("no subscription for repository")

// ErrMalformedPayload describes a delivery item missing a required field.
// The offending item is dropped; processing continues for the rest.
type ErrMalformedPayload struct {
	Field string
}

func (e *ErrMalformedPayload) Error() string {
	return fmt.Sprintf("malformed payload: missing required field %q", e.Field)
}
