package domain

import "errors"

// Sentinel errors for the domain error taxonomy. Services wrap these with
// fmt.Errorf("...: %w", err) context; the handler layer classifies them with
// errors.Is and maps each kind to a fixed HTTP status code. Status codes are
// never derived from error message text.

// ErrNotFound is returned when the requested trip, aggregate, or transaction
// does not exist. Handlers map this to HTTP 404.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned when input fails business rule validation
// (e.g. missing required field, member count below minimum).
// Handlers map this to HTTP 400.
var ErrValidation = errors.New("validation error")

// ErrUnauthorized is returned when the caller lacks the required role for the
// action (not a member, not the creator). Handlers map this to HTTP 403.
var ErrUnauthorized = errors.New("unauthorized")

// ErrConflict is returned when the operation is not valid in the aggregate's
// current state (double confirm, double initiate, cancel after payment
// completion, no pending payment phase) or when an optimistic write lost to a
// concurrent update and retries ran out. Handlers map this to HTTP 409.
var ErrConflict = errors.New("conflict")

// ErrDeadlineExpired is returned when a time-bound operation is attempted
// after its deadline has passed. Handlers map this to HTTP 410 Gone,
// distinct from the generic conflict case.
var ErrDeadlineExpired = errors.New("deadline expired")

// ErrExternal is returned when a synchronous call to an external collaborator
// (membership lookup) fails in a way that blocks the requested operation.
// Handlers map this to HTTP 502. Best-effort collaborator failures are
// retried through the outbox instead of surfacing this error to callers.
var ErrExternal = errors.New("external service error")
