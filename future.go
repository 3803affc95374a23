package asyncstore

import (
	"context"
	"sync"

	"github.com/matteso1/asyncstore/internal/queue"
)

// Ack is the result of calls that return nothing.
type Ack struct{}

// Future is the pending result of one Store call. It settles exactly once,
// either with a value or with an *Error.
type Future[T any] struct {
	call    *queue.Call
	convert func(queue.Result) (T, error)

	once sync.Once
	val  T
	err  error
}

func newFuture[T any](c *queue.Call, convert func(queue.Result) (T, error)) *Future[T] {
	return &Future[T]{call: c, convert: convert}
}

// rejected returns a future that has already failed without reaching the
// queue.
func rejected[T any](kind queue.Kind, err error) *Future[T] {
	return newFuture[T](queue.Failed(kind, err), nil)
}

func ack(queue.Result) (Ack, error) { return Ack{}, nil }

// ID returns the call's correlation ID.
func (f *Future[T]) ID() string {
	return f.call.ID.String()
}

// Done is closed once the future has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.call.Done()
}

// Await blocks until the future settles or ctx ends. Abandoning the wait
// does not cancel the operation.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.call.Done():
		return f.resolve()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future[T]) Result() (val T, err error, ok bool) {
	select {
	case <-f.call.Done():
		val, err = f.resolve()
		return val, err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Then runs fn on its own goroutine once the future settles. Each
// registered fn runs exactly once.
func (f *Future[T]) Then(fn func(T, error)) {
	go func() {
		<-f.call.Done()
		fn(f.resolve())
	}()
}

// resolve converts the settled call once. Must only be called after Done.
func (f *Future[T]) resolve() (T, error) {
	f.once.Do(func() {
		res, err, _ := f.call.Outcome()
		if err != nil {
			f.err = classify(err)
			return
		}
		if f.convert != nil {
			f.val, f.err = f.convert(res)
			f.err = classify(f.err)
		}
	})
	return f.val, f.err
}

// erase adapts f to Future[any] for Invoke.
func erase[T any](f *Future[T], view func(T) any) *Future[any] {
	return newFuture(f.call, func(res queue.Result) (any, error) {
		if f.convert == nil {
			return nil, nil
		}
		v, err := f.convert(res)
		if err != nil {
			return nil, err
		}
		return view(v), nil
	})
}
