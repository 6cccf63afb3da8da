package session

import "errors"

// ErrNotFound is returned when an operation targets a session that does not exist.
type ErrNotFound struct {
	ID string
}

func (e ErrNotFound) Error() string {
	if e.ID == "" {
		return "session not found"
	}

	return "session not found: " + e.ID
}

// ErrSessionExists is returned by Create when the id is already taken.
// Overwriting a session is never implicit.
var ErrSessionExists = errors.New("session already exists")

// IsNotFound reports whether err is, or wraps, an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}
