package storage

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a conditional state transition finds the row
// in a state that no longer permits it, e.g. spawning from an already
// fulfilled need.
var ErrConflict = errors.New("storage: conflict")
