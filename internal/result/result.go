// Package result provides a one-shot completion signal for asynchronous
// export, send and flush operations.
package result

import (
	"context"
	"errors"
	"sync"
)

var errIncomplete = errors.New("operation did not complete")

// Result is pending until the first call to Succeed or Fail. Later calls are
// ignored.
type Result struct {
	once sync.Once
	done chan struct{}
	err  error
}

func New() *Result {
	return &Result{done: make(chan struct{})}
}

func Succeeded() *Result {
	r := New()
	r.Succeed()
	return r
}

func Failed(err error) *Result {
	r := New()
	r.Fail(err)
	return r
}

func (r *Result) Succeed() {
	r.complete(nil)
}

func (r *Result) Fail(err error) {
	if err == nil {
		err = errIncomplete
	}
	r.complete(err)
}

func (r *Result) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Err returns the failure, nil on success, and nil while still pending.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Result) IsDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the result resolves or ctx ends. A ctx error is returned
// when the result is still pending.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// All resolves once every input has resolved. It fails with the joined
// errors of the inputs that failed.
func All(results ...*Result) *Result {
	out := New()
	if len(results) == 0 {
		out.Succeed()
		return out
	}
	go func() {
		var errs []error
		for _, r := range results {
			<-r.done
			if r.err != nil {
				errs = append(errs, r.err)
			}
		}
		if len(errs) > 0 {
			out.Fail(errors.Join(errs...))
			return
		}
		out.Succeed()
	}()
	return out
}
