// Package errs defines the node's error taxonomy: validation, transient-peer,
// quota, integrity and fatal errors, plus the discriminated Result type
// every public operation returns. Errors are wrapped with fmt.Errorf("%w",
// ...) rather than panicked, so they stay values, not control flow.
package errs

import "fmt"

// Kind discriminates the error taxonomy.
type Kind int

const (
	// Validation covers deterministic, local rejects: bad hash, bad
	// Merkle root, gas over limit, broken continuity, invalid signature.
	// Never retried.
	Validation Kind = iota
	// TransientPeer covers timeouts, connection refused, 5xx, malformed
	// JSON from a peer. Retried via failover.
	TransientPeer
	// Quota is a rate-limiter denial. Not surfaced as an error: callers
	// receive a Deferred result instead.
	Quota
	// Integrity covers snapshot/header/reorg verification failures.
	// Aborts the current sync attempt.
	Integrity
	// Fatal covers durable-store unavailability. Propagates to the
	// operator; the node halts new writes but keeps serving reads.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case TransientPeer:
		return "transient_peer"
	case Quota:
		return "quota"
	case Integrity:
		return "integrity"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying its taxonomy Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validationf(op, format string, args ...any) *Error {
	return New(Validation, op, fmt.Errorf(format, args...))
}

func TransientPeerf(op, format string, args ...any) *Error {
	return New(TransientPeer, op, fmt.Errorf(format, args...))
}

func Integrityf(op, format string, args ...any) *Error {
	return New(Integrity, op, fmt.Errorf(format, args...))
}

func Fatalf(op, format string, args ...any) *Error {
	return New(Fatal, op, fmt.Errorf(format, args...))
}

// Result is the discriminated result every public operation returns:
// {kind, data|error, meta}. CorrelationID carries the event id or sync
// attempt id used to stitch together log lines.
type Result[T any] struct {
	Kind          string
	Data          T
	Err           error
	CorrelationID string
}

func Ok[T any](data T, correlationID string) Result[T] {
	return Result[T]{Kind: "ok", Data: data, CorrelationID: correlationID}
}

func ErrResult[T any](err error, correlationID string) Result[T] {
	return Result[T]{Kind: "error", Err: err, CorrelationID: correlationID}
}

// Deferred represents a QuotaError outcome: the operation was not performed
// and should be retried no earlier than Until.
type Deferred struct {
	Until string // RFC3339; string to keep Result[T] JSON-friendly
}
