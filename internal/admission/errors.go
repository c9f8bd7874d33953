package admission

import "errors"

// ErrUnauthorized is returned when the external auth backend rejects a
// registration, or returns a response missing a required field.
var ErrUnauthorized = errors.New("admission: unauthorized")
