package sescmd

import "errors"

var (
	// ErrCapacityExceeded is returned when an append would overflow a
	// bounded list and the policy is RejectNew, or the policy is
	// DropFirst and the head command cannot be dropped.
	ErrCapacityExceeded = errors.New("session command list capacity exceeded")

	// ErrPoisoned is returned once a divergent backend error has
	// poisoned the session under the abort policy.
	ErrPoisoned = errors.New("session poisoned by divergent backend reply")

	// ErrDetached is returned when advancing a cursor that is no
	// longer attached to the list.
	ErrDetached = errors.New("cursor is detached")

	// ErrNoCommand is returned when advancing a cursor that is
	// already at the end of the list.
	ErrNoCommand = errors.New("cursor has no current command")
)
