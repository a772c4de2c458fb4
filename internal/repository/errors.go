// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as handlers
// and workers to distinguish between different failure scenarios. For
// example, ErrForbidden indicates that the current user is not authorized to
// act on a resource owned by someone else, while ErrConflict signals that a
// state transition lost a race against another writer.
package repository

import "errors"

// ErrJobNotFound is returned when no booking job exists for the given id.
var ErrJobNotFound = errors.New("job not found")

// ErrUserNotFound is returned when no user matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// ErrCardNotFound is returned when no gift card exists for the given id.
var ErrCardNotFound = errors.New("gift card not found")

// ErrForbidden is returned when the caller attempts an operation on a
// resource they do not own. Handlers should translate this into an HTTP 403
// response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an update cannot be performed because of
// conflicting state, such as cancelling a job that already reached a
// terminal status. Handlers should translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrEmailTaken is returned when registering with an email that already has
// an account.
var ErrEmailTaken = errors.New("email already registered")
