// Package queue holds what every queue backend shares. Backends live in
// subpackages (memory, redis).
package queue

import "errors"

var (
	// ErrClosed is returned once a queue has been shut down.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by bounded backends that have no room for another
	// job. Callers should shed load rather than wait.
	ErrFull = errors.New("queue full")
)
