// Package task implements the single-assignment deferred result that every
// asynchronous operation in Spark returns.
//
// A Task is resolved exactly once, either with a value (Complete) or with an
// error (Fail, Cancel). Consumers may block on it (Wait, WaitTimeout) or
// attach continuations (OnResolved). Continuations never run while the Task
// holds its internal lock, so a continuation may freely touch the Task again.
//
// Example:
//
//	t := task.New()
//	t.OnResolved(func(t *task.Task) {
//	    v, err := t.Result()
//	    fmt.Println(v, err)
//	})
//	t.Complete("done")
package task

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrAlreadyResolved is returned when a resolved Task is resolved again.
	ErrAlreadyResolved = errors.New("task already resolved")
	// ErrCanceled is the resolution error of a Task canceled by teardown.
	ErrCanceled = errors.New("task canceled")
	// ErrWaitTimeout is returned by WaitTimeout when the Task is still pending.
	ErrWaitTimeout = errors.New("timed out waiting for task")
)

// TaskFailure wraps an error raised by the computation behind a Task,
// together with the stack of the goroutine that raised it.
type TaskFailure struct {
	Err   error
	Stack []byte
}

func (f *TaskFailure) Error() string {
	return fmt.Sprintf("task failed: %v", f.Err)
}

func (f *TaskFailure) Unwrap() error {
	return f.Err
}

// NewTaskFailure captures the current stack around err.
func NewTaskFailure(err error) *TaskFailure {
	return &TaskFailure{Err: err, Stack: debug.Stack()}
}

// State describes the resolution state of a Task.
type State uint8

const (
	// StatePending means the Task has not been resolved yet.
	StatePending State = iota
	// StateSucceeded means the Task holds a value.
	StateSucceeded
	// StateFailed means the Task holds an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Task is a single-assignment deferred result.
type Task struct {
	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	value         any
	err           error
	continuations []func(*Task)
}

// New returns a pending Task.
func New() *Task {
	t := &Task{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Completed returns a Task already resolved with v.
func Completed(v any) *Task {
	t := New()
	t.state = StateSucceeded
	t.value = v
	return t
}

// Failed returns a Task already resolved with err.
func Failed(err error) *Task {
	t := New()
	t.state = StateFailed
	t.err = err
	return t
}

// Canceled returns a Task already canceled.
func Canceled() *Task {
	return Failed(ErrCanceled)
}

// Complete resolves the Task with v.
func (t *Task) Complete(v any) error {
	return t.resolve(StateSucceeded, v, nil)
}

// Fail resolves the Task with err.
func (t *Task) Fail(err error) error {
	if err == nil {
		err = errors.New("task failed with nil error")
	}
	return t.resolve(StateFailed, nil, err)
}

// Cancel resolves the Task with ErrCanceled.
func (t *Task) Cancel() error {
	return t.resolve(StateFailed, nil, ErrCanceled)
}

func (t *Task) resolve(state State, v any, err error) error {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return ErrAlreadyResolved
	}
	t.state = state
	t.value = v
	t.err = err
	conts := t.continuations
	t.continuations = nil
	t.cond.Broadcast()
	t.mu.Unlock()

	for _, fn := range conts {
		fn(t)
	}
	return nil
}

// OnResolved registers fn to run once the Task is resolved. If the Task is
// already resolved fn runs immediately in the calling goroutine, otherwise
// it runs in the goroutine that resolves the Task.
func (t *Task) OnResolved(fn func(*Task)) {
	t.mu.Lock()
	if t.state == StatePending {
		t.continuations = append(t.continuations, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn(t)
}

// Wait blocks until the Task is resolved and returns its result.
func (t *Task) Wait() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.state == StatePending {
		t.cond.Wait()
	}
	return t.value, t.err
}

// WaitTimeout is like Wait but gives up after d with ErrWaitTimeout. The
// Task itself is left untouched.
func (t *Task) WaitTimeout(d time.Duration) (any, error) {
	if d < 0 {
		return t.Wait()
	}
	done := make(chan struct{})
	t.OnResolved(func(*Task) { close(done) })

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return t.Result()
	case <-timer.C:
		return nil, ErrWaitTimeout
	}
}

// Done returns a channel closed when the Task is resolved.
func (t *Task) Done() <-chan struct{} {
	done := make(chan struct{})
	t.OnResolved(func(*Task) { close(done) })
	return done
}

// Result returns the value and error without blocking. Both are nil while
// the Task is pending.
func (t *Task) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.err
}

// State reports the resolution state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsResolved reports whether the Task holds a value or an error.
func (t *Task) IsResolved() bool {
	return t.State() != StatePending
}

// IsCanceled reports whether the Task was resolved by Cancel.
func (t *Task) IsCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateFailed && errors.Is(t.err, ErrCanceled)
}

// Forward resolves dst with the outcome of t once t is resolved.
func (t *Task) Forward(dst *Task) {
	t.OnResolved(func(src *Task) {
		v, err := src.Result()
		if err != nil {
			dst.Fail(err)
			return
		}
		dst.Complete(v)
	})
}
