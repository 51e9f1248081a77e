package consultation

import "errors"

// Every failure returned by this package wraps one of these so callers can
// tell "not allowed" from "not possible now" from "not found".
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("consultation not found")
	ErrConflict   = errors.New("conflicts with consultation state")
	ErrForbidden  = errors.New("not a participant")
)

// Reason codes shared by the REST and socket error bodies.
const (
	ReasonValidation = "validation"
	ReasonNotFound   = "not_found"
	ReasonConflict   = "conflict"
	ReasonForbidden  = "forbidden"
	ReasonInternal   = "internal"
)

// Reason classifies err into one of the reason codes.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrForbidden):
		return ReasonForbidden
	}
	return ReasonInternal
}
