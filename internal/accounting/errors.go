package accounting

import "errors"

// Sentinel errors. Every error returned by the Ledger wraps one of these so
// callers can branch with errors.Is.
var (
	ErrInvalidArgument = errors.New("accounting: invalid argument")
	ErrLimitExceeded   = errors.New("accounting: limit exceeded")
	ErrNotFound        = errors.New("accounting: not found")
	ErrConflict        = errors.New("accounting: conflict")
	ErrClosed          = errors.New("accounting: ledger closed")
)

// outcome maps an error to a low-cardinality metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
