// Package rkerr defines the stable error codes surfaced across the actor
// runtime and their retry classification (spec.md §6, §7).
package rkerr

import "fmt"

// Class classifies whether an error is safe to retry, and against what.
type Class int

const (
	// Transient errors may be retried against the same actorId.
	Transient Class = iota
	// PermanentGeneration errors require re-resolving (name,key) before retrying.
	PermanentGeneration
	// PermanentPayload errors must not be retried with the same request.
	PermanentPayload
	// Programming errors indicate a caller bug; they surface as internal_error
	// but must be logged loudly.
	Programming
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case PermanentGeneration:
		return "permanent_generation"
	case PermanentPayload:
		return "permanent_payload"
	case Programming:
		return "programming"
	default:
		return "unknown"
	}
}

// Error is the public error shape: a stable (group, code) pair, an optional
// public message, and a flag gating whether the message is safe to ship to
// the caller. Internal errors carry no detail beyond an opaque trace id.
type Error struct {
	Group   string
	Code    string
	Message string
	Public  bool
	Class   Class
	TraceID string
	cause   error
}

func (e *Error) Error() string {
	if e.Public && e.Message != "" {
		return fmt.Sprintf("%s.%s: %s", e.Group, e.Code, e.Message)
	}
	return fmt.Sprintf("%s.%s", e.Group, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is comparisons keyed on (group, code) only — the
// message and trace id are not part of error identity.
func (e *Error) Is(target error) bool {
	o, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Group == o.Group && e.Code == o.Code
}

func newErr(group, code, msg string, public bool, class Class) *Error {
	return &Error{Group: group, Code: code, Message: msg, Public: public, Class: class}
}

// Wrap attaches cause to err for Unwrap while preserving identity.
func Wrap(err *Error, cause error) *Error {
	cp := *err
	cp.cause = cause
	return &cp
}

// WithTrace returns a copy of err carrying traceID, used for internal_error
// responses so operators can correlate the opaque client-facing error with
// logs.
func WithTrace(err *Error, traceID string) *Error {
	cp := *err
	cp.TraceID = traceID
	return &cp
}

// Sentinel errors, one per stable code in spec.md §6.
var (
	ActorNotFound = newErr("actor", "not_found", "actor not found", true, PermanentGeneration)
	ActorAborted  = newErr("actor", "aborted", "actor operation aborted", true, Transient)
	ActorDuplicateKey = newErr("actor", "duplicate_key", "actor already exists", true, PermanentPayload)
	ActorDestroying   = newErr("actor", "destroying", "actor is destroying", true, PermanentGeneration)

	QueueFull                   = newErr("queue", "full", "queue is full", true, PermanentPayload)
	QueueMessageTooLarge        = newErr("queue", "message_too_large", "message exceeds maximum size", true, PermanentPayload)
	QueueAlreadyCompleted       = newErr("queue", "already_completed", "message already completed", true, Programming)
	QueuePrevNotCompleted       = newErr("queue", "previous_message_not_completed", "previous message was not completed", true, Programming)

	ConnectionForbidden = newErr("connection", "forbidden", "forbidden", true, PermanentPayload)

	Internal = newErr("internal", "internal_error", "an internal error occurred", false, Programming)
)

// QueueFullMessage formats the public queue.full message with the
// configured limit, per spec.md: "Queue is full. Limit is N".
func QueueFullMessage(limit int) *Error {
	cp := *QueueFull
	cp.Message = fmt.Sprintf("Queue is full. Limit is %d", limit)
	return &cp
}

// InternalWithTrace builds an internal_error with a fresh-looking trace id;
// callers supply the id (typically a uuid) so logs and responses correlate.
func InternalWithTrace(traceID string) *Error {
	return WithTrace(Internal, traceID)
}
