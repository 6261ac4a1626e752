package graph

import "errors"

// Graph mutation outcomes surfaced to callers. These are user-visible
// conditions, never swallowed: a duplicate follow reports
// ErrAlreadyFollowing instead of pretending to succeed.
var (
	ErrInvalidTarget    = errors.New("target user does not exist")
	ErrSelfReference    = errors.New("cannot target yourself")
	ErrBlocked          = errors.New("blocked")
	ErrAlreadyFollowing = errors.New("already following")
)
