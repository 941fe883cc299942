package domain

import "fmt"

// Status tags the outcome of a per-scan step.
type Status int

const (
	StatusOK Status = iota
	StatusSkipped
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the explicit outcome of a step that may succeed, be skipped for
// a recoverable reason, or fail fatally.
type Result[T any] struct {
	Value  T
	Status Status
	Reason error
}

// OK wraps a successful value.
func OK[T any](v T) Result[T] { return Result[T]{Value: v, Status: StatusOK} }

// Skipped records a recoverable reason the value was not produced.
func Skipped[T any](reason error) Result[T] { return Result[T]{Status: StatusSkipped, Reason: reason} }

// Failed records a fatal error.
func Failed[T any](err error) Result[T] { return Result[T]{Status: StatusFatal, Reason: Fatal(err)} }

func (r Result[T]) IsOK() bool { return r.Status == StatusOK }
func (r Result[T]) IsSkipped() bool { return r.Status == StatusSkipped }
func (r Result[T]) IsFatal() bool { return r.Status == StatusFatal }

// Err returns the reason for non-OK results.
func (r Result[T]) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return r.Reason
}
