package vfs

// Outcome is the kind of a Result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDeferred
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

// Result is the tri-state outcome of every fallible operation in the layer.
//
// A Deferred result carries a usable value together with the problem that kept
// the operation from fully succeeding, e.g. a cached file returned while the
// network refresh failed. Callers branch on Kind before touching the value.
type Result[T any] struct {
	outcome Outcome
	value   T
	err     *Error
}

func Ok[T any](value T) Result[T] {
	return Result[T]{outcome: OutcomeSuccess, value: value}
}

func Defer[T any](value T, err *Error) Result[T] {
	return Result[T]{outcome: OutcomeDeferred, value: value, err: err}
}

func Fail[T any](err *Error) Result[T] {
	if err == nil {
		err = NewError(KindUnknown, "nil error passed to Fail")
	}
	return Result[T]{outcome: OutcomeError, err: err}
}

// FailWith converts err into the taxonomy (using fallback for foreign errors) and fails.
func FailWith[T any](err error, fallback ErrorKind) Result[T] {
	return Fail[T](ToError(err, fallback))
}

func (r Result[T]) Kind() Outcome    { return r.outcome }
func (r Result[T]) IsSuccess() bool  { return r.outcome == OutcomeSuccess }
func (r Result[T]) IsDeferred() bool { return r.outcome == OutcomeDeferred }
func (r Result[T]) IsError() bool    { return r.outcome == OutcomeError }

// Value returns the payload. It is the zero value for Error results.
func (r Result[T]) Value() T { return r.value }

// Err returns the error of Deferred and Error results, nil for Success.
func (r Result[T]) Err() *Error { return r.err }

// Get returns the value, or an error when the result is an Error. Deferred
// results yield their value with a nil error; inspect Err for the problem.
func (r Result[T]) Get() (T, error) {
	if r.outcome == OutcomeError {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}

// Map transforms the value of a non-error result, keeping the outcome and error.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.outcome == OutcomeError {
		return Result[U]{outcome: OutcomeError, err: r.err}
	}
	return Result[U]{outcome: r.outcome, value: fn(r.value), err: r.err}
}

// FailFrom re-types the error of an Error result. It panics on other outcomes.
func FailFrom[U, T any](r Result[T]) Result[U] {
	if r.outcome != OutcomeError {
		panic("vfs: FailFrom called on a non-error result")
	}
	return Result[U]{outcome: OutcomeError, err: r.err}
}
