// Package stream provides the source abstraction used by every data feed
// in the tracker, plus the composable operators (retry, circuit breaker,
// metrics) that wrap them. A Source is cold: each Subscribe starts its own
// production. Hot fan-out lives one level up, in the websocket client and
// the price service.
package stream

import "context"

// Event carries one emission from a source. Exactly one of Value or Err is
// meaningful; a non-nil Err marks a failed production step, not necessarily
// the end of the stream.
type Event[T any] struct {
	Value T
	Err   error
}

// Ok wraps a value emission.
func Ok[T any](v T) Event[T] { return Event[T]{Value: v} }

// Fail wraps an error emission.
func Fail[T any](err error) Event[T] { return Event[T]{Err: err} }

// Source is a named, restartable stream of typed events. Subscribe returns
// a channel that is closed when the source terminates or ctx is cancelled.
type Source[T any] interface {
	Name() string
	Subscribe(ctx context.Context) <-chan Event[T]
}

type funcSource[T any] struct {
	name string
	fn   func(ctx context.Context) <-chan Event[T]
}

func (f *funcSource[T]) Name() string { return f.name }

func (f *funcSource[T]) Subscribe(ctx context.Context) <-chan Event[T] { return f.fn(ctx) }

// NewFunc adapts a subscribe function into a named Source.
func NewFunc[T any](name string, fn func(ctx context.Context) <-chan Event[T]) Source[T] {
	return &funcSource[T]{name: name, fn: fn}
}

// Compose wraps src with the standard operator chain: retry innermost, then
// the circuit breaker, then metrics outermost.
func Compose[T any](src Source[T], br *Breaker) Source[T] {
	return WithTimedMetrics(WithBreaker(WithRetry(src, DefaultRetry), br))
}
