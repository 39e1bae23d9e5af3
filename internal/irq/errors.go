package irq

import "errors"

var (
	// ErrVectorRange reports a vector (or vector range) outside the table.
	ErrVectorRange = errors.New("vector out of range")

	// ErrExclusive reports a conflict with an exclusive handler.
	ErrExclusive = errors.New("vector is not shareable")

	// ErrControllerOwnsDispatch is returned when a handler is attached to a
	// vector whose controller walks its own handlers.
	ErrControllerOwnsDispatch = errors.New("controller owns dispatch")

	// ErrNotAttached reports a detach for a device id the vector does not hold.
	ErrNotAttached = errors.New("no handler with that device id")

	// ErrVectorUnused reports a mask change on a vector nothing uses.
	ErrVectorUnused = errors.New("vector has no handlers")

	// ErrNilHandler reports a handler without a function.
	ErrNilHandler = errors.New("handler function is nil")

	// ErrDeviceID reports a device id that cannot be compared with ==.
	ErrDeviceID = errors.New("device id is not comparable")
)
