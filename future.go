package objstore

import (
	"context"
)

// OpFuture represents an operation executing in the background.
type OpFuture interface {
	// Done selects when the operation has finished.
	Done() <-chan struct{}
	// Err blocks until Done() and returns the final error of the operation.
	Err() error
}

// Future is the eventual result of a transaction request. Any number of
// goroutines may wait on a Future.
type Future[T any] struct {
	doneCh chan struct{} // Closed to signal the request has completed.
	val    T
	err    error
}

var _ OpFuture = (*Future[int])(nil)

func newFuture[T any]() *Future[T] {
	return &Future[T]{doneCh: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(*new(T), err)
	return f
}

// Done selects when the request has been resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.doneCh }

// Err blocks until the request is resolved, then returns its error.
func (f *Future[T]) Err() error {
	<-f.doneCh
	return f.err
}

// Result blocks until the request is resolved.
func (f *Future[T]) Result() (T, error) {
	<-f.doneCh
	return f.val, f.err
}

// Wait blocks until the request is resolved or ctx is done. Giving up on
// waiting does not cancel the request.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.doneCh:
		return f.val, f.err
	case <-ctx.Done():
		return *new(T), ctx.Err()
	}
}

func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.doneCh)
}
