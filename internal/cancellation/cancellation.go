// Package cancellation implements the two ended cancellation handles used by
// the runner. An Origin is the write-once trigger owned by the runner, an
// Observer is the read-only side handed to activities.
//
// Handles form a tree: one root per runner lifetime and one child per live
// activity. Resolving the root cancels every child, resolving a child leaves
// its siblings and the root untouched.
package cancellation

import (
	"context"
	"sync/atomic"
)

// Observer reports whether its origin (or any ancestor) was resolved. It is
// a context.Context, so activities pass it straight to blocking calls.
type Observer struct {
	context.Context
}

// Canceled is the non-blocking check.
func (o Observer) Canceled() bool {
	return o.Context != nil && o.Err() != nil
}

// Wait blocks until the observer is canceled.
func (o Observer) Wait() {
	for !o.Canceled() {
		<-o.Done()
	}
}

// Join returns an observer canceled once either o or other is. The returned
// func detaches it from other; it reports false when other already fired.
func (o Observer) Join(other Observer) (Observer, func() bool) {
	ctx, cancel := context.WithCancel(o.Context)
	stop := context.AfterFunc(other.Context, cancel)
	return Observer{Context: ctx}, stop
}

// Origin resolves its observer. Resolve is idempotent.
type Origin struct {
	cancel   context.CancelFunc
	resolved atomic.Bool
}

func (o *Origin) Resolve() {
	if o.resolved.CompareAndSwap(false, true) {
		o.cancel()
	}
}

func (o *Origin) Resolved() bool {
	return o.resolved.Load()
}

// NewRoot creates the runner wide handle.
func NewRoot() (Observer, *Origin) {
	return newFrom(context.Background())
}

// NewChild creates a handle which is canceled by its own origin or by the
// parent.
func NewChild(parent Observer) (Observer, *Origin) {
	return newFrom(parent.Context)
}

// FromContext makes a root handle out of an existing context, so canceling
// ctx resolves the tree as well.
func FromContext(ctx context.Context) (Observer, *Origin) {
	return newFrom(ctx)
}

func newFrom(ctx context.Context) (Observer, *Origin) {
	ctx, cancel := context.WithCancel(ctx)
	return Observer{Context: ctx}, &Origin{cancel: cancel}
}
