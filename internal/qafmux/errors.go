package qafmux

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned by [Open] when the engine cannot be configured
	// (missing license, vendor library load failure). It is fatal: no usable
	// session exists afterwards.
	ErrConfig = errors.New("qafmux: engine configuration error")

	// ErrNotInitialized is returned by every operation on a session that was
	// never opened or has been closed.
	ErrNotInitialized = errors.New("qafmux: session not initialized")

	// ErrInvalidState is returned when an operation is not allowed in the
	// current state.
	ErrInvalidState = errors.New("qafmux: invalid state")

	// ErrRoleConflict is returned when opening a logical stream would violate
	// the role invariants (a second main stream, an associated stream without
	// a main stream). It matches [ErrInvalidState] under [errors.Is].
	ErrRoleConflict = fmt.Errorf("%w: role conflict", ErrInvalidState)

	// ErrClosed is returned by operations on a closed logical stream.
	ErrClosed = errors.New("qafmux: stream closed")
)
