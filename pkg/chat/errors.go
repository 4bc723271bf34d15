package chat

import "errors"

// Validation errors. A submission rejected with one of these leaves the
// session untouched.
var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrPending      = errors.New("a reply is still pending")
	ErrBlocked      = errors.New("message blocked by content filter")
	ErrTooLong      = errors.New("message exceeds maximum length")
)

var (
	// ErrNotPending reports a reply delivered to a session that is not
	// waiting for one. It indicates a broken dispatcher, not a user error.
	ErrNotPending = errors.New("reply received while no dispatch is pending")

	// ErrEmptyReply is recorded when a backend answers with blank text.
	ErrEmptyReply = errors.New("backend returned an empty reply")

	ErrSessionNotFound = errors.New("session not found")
	ErrManagerClosed   = errors.New("session manager closed")
)

// IsValidation reports whether err is a submission rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, ErrPending) ||
		errors.Is(err, ErrBlocked) ||
		errors.Is(err, ErrTooLong)
}
