package session

import "errors"

var (
	// ErrNotFound means no session matches the supplied code.
	ErrNotFound = errors.New("session not found")
	// ErrForbidden means the supplied facilitator secret does not match.
	ErrForbidden = errors.New("invalid facilitator secret")
	// ErrCodeExhausted means code generation kept colliding with existing
	// sessions. With 900000 possible codes this only happens when the store
	// is nearly full.
	ErrCodeExhausted = errors.New("could not allocate a unique session code")
)
