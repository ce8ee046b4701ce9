package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert collides with a uniqueness
// constraint, such as an agent or processor name already in use.
var ErrDuplicate = errors.New("storage: duplicate")

// ErrConflict is returned when a status-predicated update matched no rows,
// meaning the entity moved to a state that forbids the change.
var ErrConflict = errors.New("storage: conflict")
