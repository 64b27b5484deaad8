package store

import "errors"

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrBadgeNotFound  = errors.New("badge not found")
	ErrInvalidState   = errors.New("invalid ticket state")
	// ErrConflict reports a transaction that lost a serialization race. The
	// whole transaction may be retried.
	ErrConflict       = errors.New("transaction conflict")
	ErrDuplicateEmail = errors.New("badge email already registered")
)
